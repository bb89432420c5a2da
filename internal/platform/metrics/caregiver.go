// Package metrics holds the Prometheus collectors for the invitation lifecycle.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SweepResultOK      = "ok"
	SweepResultSkipped = "skipped"
	SweepResultError   = "error"
)

// CaregiverMetrics is safe to use through a nil pointer; every method is then
// a no-op.
type CaregiverMetrics struct {
	invitationsCreated *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	sweepRuns          *prometheus.CounterVec
	sweepExpired       prometheus.Counter
	versionConflicts   *prometheus.CounterVec
	accessDecisions    *prometheus.CounterVec
}

var (
	caregiverOnce    sync.Once
	caregiverMetrics *CaregiverMetrics
)

// Caregiver returns the process-wide collectors registered on the default registry.
func Caregiver() *CaregiverMetrics {
	caregiverOnce.Do(func() {
		caregiverMetrics = NewCaregiverMetrics(prometheus.DefaultRegisterer)
	})
	return caregiverMetrics
}

func NewCaregiverMetrics(registerer prometheus.Registerer) *CaregiverMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CaregiverMetrics{
		invitationsCreated: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthbridge_invitations_created_total",
			Help: "Caregiver invitations created, by inviting side.",
		}, []string{"invited_by"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthbridge_invitation_transitions_total",
			Help: "Invitation status transitions.",
		}, []string{"from", "to"})),
		sweepRuns: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthbridge_invitation_sweep_runs_total",
			Help: "Expiry sweep runs by result.",
		}, []string{"result"})),
		sweepExpired: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthbridge_invitation_sweep_expired_total",
			Help: "Invitations moved to expired by the periodic sweep.",
		})),
		versionConflicts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthbridge_document_version_conflicts_total",
			Help: "Compare-and-swap writes rejected because the document changed.",
		}, []string{"collection"})),
		accessDecisions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthbridge_patient_access_decisions_total",
			Help: "Patient data authorization decisions by outcome.",
		}, []string{"outcome"})),
	}
}

// register adopts an already registered collector of the same name so that
// building the metrics twice against one registry does not panic.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *CaregiverMetrics) InvitationCreated(invitedBy string) {
	if m == nil {
		return
	}
	m.invitationsCreated.WithLabelValues(invitedBy).Inc()
}

func (m *CaregiverMetrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *CaregiverMetrics) SweepRun(result string, expired int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	if expired > 0 {
		m.sweepExpired.Add(float64(expired))
	}
}

func (m *CaregiverMetrics) VersionConflict(collection string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(collection).Inc()
}

func (m *CaregiverMetrics) AccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(outcome).Inc()
}
