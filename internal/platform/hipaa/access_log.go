// Package hipaa persists the PHI access trail produced by the audit
// middleware so disclosures to caregivers can be reviewed later.
package hipaa

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/platform/auth"
	"github.com/healthbridge/healthbridge/internal/platform/docstore"
	"github.com/healthbridge/healthbridge/internal/platform/middleware"
	"github.com/healthbridge/healthbridge/pkg/pagination"
)

// Collection holds one document per audited request.
const Collection = "phi_access_log"

const defaultWriteTimeout = 3 * time.Second

// AccessRecord is the stored form of a PHI access.
type AccessRecord struct {
	ID           string    `json:"id"`
	AccessedAt   time.Time `json:"accessedAt"`
	RequestID    string    `json:"requestId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Email        string    `json:"email,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	PatientID    string    `json:"patientId,omitempty"`
	InvitationID string    `json:"invitationId,omitempty"`
	Resource     string    `json:"resource"`
	Action       string    `json:"action"`
	Method       string    `json:"method"`
	Route        string    `json:"route"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	StatusCode   int       `json:"statusCode"`
}

// AccessLogger writes audit entries to the document store. It implements
// middleware.AuditRecorder.
type AccessLogger struct {
	store   docstore.Store
	timeout time.Duration
}

func NewAccessLogger(store docstore.Store) *AccessLogger {
	return &AccessLogger{store: store, timeout: defaultWriteTimeout}
}

// RecordAccess stores entry. Entries without a patient are not PHI access
// and are dropped.
func (l *AccessLogger) RecordAccess(entry middleware.AuditEntry) error {
	if entry.PatientID == "" {
		return nil
	}
	rec := AccessRecord{
		AccessedAt:   entry.Timestamp.UTC(),
		RequestID:    entry.RequestID,
		UserID:       entry.UserID,
		Email:        entry.Email,
		Roles:        entry.Roles,
		PatientID:    entry.PatientID,
		InvitationID: entry.InvitationID,
		Resource:     entry.Resource,
		Action:       entry.Action,
		Method:       entry.Method,
		Route:        entry.Route,
		IPAddress:    entry.IPAddress,
		StatusCode:   entry.StatusCode,
	}
	if rec.AccessedAt.IsZero() {
		rec.AccessedAt = time.Now().UTC()
	}

	// The request context is gone by the time the entry is recorded.
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if _, err := l.store.Create(ctx, Collection, "", rec); err != nil {
		return fmt.Errorf("hipaa access log: %w", err)
	}
	return nil
}

// ForPatient returns the recorded accesses to one patient, newest first.
func (l *AccessLogger) ForPatient(ctx context.Context, patientID string) ([]AccessRecord, error) {
	docs, err := l.store.Find(ctx, Collection, docstore.Eq("patientId", patientID))
	if err != nil {
		return nil, fmt.Errorf("hipaa access log: %w", err)
	}
	out := make([]AccessRecord, 0, len(docs))
	for _, doc := range docs {
		var rec AccessRecord
		if err := doc.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode access record %s: %w", doc.ID, err)
		}
		rec.ID = doc.ID
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AccessedAt.After(out[j].AccessedAt)
	})
	return out, nil
}

// RegisterRoutes mounts the admin-only access log query.
func (l *AccessLogger) RegisterRoutes(api *echo.Group) {
	api.GET("/admin/access-log/:patientId", l.handleList, auth.RequireRole(auth.RoleAdmin))
}

func (l *AccessLogger) handleList(c echo.Context) error {
	records, err := l.ForPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Error reading access log").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(records, pagination.FromContext(c)))
}
