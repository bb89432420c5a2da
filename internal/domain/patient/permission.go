package patient

import "fmt"

// Permission is one capability a caregiver may hold for a patient.
type Permission int

const (
	ViewVitals Permission = iota + 1
	ViewAppointments
	ViewPrescriptions
	RequestAppointments
	AddVitals
	ViewDocuments
	ViewPayments
)

var permissionNames = map[Permission]string{
	ViewVitals:          "viewVitals",
	ViewAppointments:    "viewAppointments",
	ViewPrescriptions:   "viewPrescriptions",
	RequestAppointments: "requestAppointments",
	AddVitals:           "addVitals",
	ViewDocuments:       "viewDocuments",
	ViewPayments:        "viewPayments",
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Permission(%d)", int(p))
}

// AllPermissions lists every permission in declaration order.
func AllPermissions() []Permission {
	return []Permission{
		ViewVitals, ViewAppointments, ViewPrescriptions, RequestAppointments,
		AddVitals, ViewDocuments, ViewPayments,
	}
}

// ParsePermission maps a wire name such as "viewVitals" to its Permission.
func ParsePermission(name string) (Permission, error) {
	for _, p := range AllPermissions() {
		if permissionNames[p] == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// PermissionSet holds the capability flags of one caregiver-patient pair.
type PermissionSet struct {
	ViewVitals          bool `json:"viewVitals"`
	ViewAppointments    bool `json:"viewAppointments"`
	ViewPrescriptions   bool `json:"viewPrescriptions"`
	RequestAppointments bool `json:"requestAppointments"`
	AddVitals           bool `json:"addVitals"`
	ViewDocuments       bool `json:"viewDocuments"`
	ViewPayments        bool `json:"viewPayments"`
}

// DefaultPermissions is granted to new invitations before inviter overrides.
var DefaultPermissions = PermissionSet{
	ViewVitals:          true,
	ViewAppointments:    true,
	ViewPrescriptions:   true,
	RequestAppointments: false,
	AddVitals:           false,
	ViewDocuments:       true,
	ViewPayments:        false,
}

// FullPermissions is the effective set of the patient and of clinicians.
var FullPermissions = PermissionSet{
	ViewVitals:          true,
	ViewAppointments:    true,
	ViewPrescriptions:   true,
	RequestAppointments: true,
	AddVitals:           true,
	ViewDocuments:       true,
	ViewPayments:        true,
}

func (s PermissionSet) Has(p Permission) bool {
	switch p {
	case ViewVitals:
		return s.ViewVitals
	case ViewAppointments:
		return s.ViewAppointments
	case ViewPrescriptions:
		return s.ViewPrescriptions
	case RequestAppointments:
		return s.RequestAppointments
	case AddVitals:
		return s.AddVitals
	case ViewDocuments:
		return s.ViewDocuments
	case ViewPayments:
		return s.ViewPayments
	default:
		return false
	}
}

// Granted lists the permissions set to true.
func (s PermissionSet) Granted() []Permission {
	var out []Permission
	for _, p := range AllPermissions() {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// PermissionPatch is a partial PermissionSet; nil fields are left unchanged.
type PermissionPatch struct {
	ViewVitals          *bool `json:"viewVitals,omitempty"`
	ViewAppointments    *bool `json:"viewAppointments,omitempty"`
	ViewPrescriptions   *bool `json:"viewPrescriptions,omitempty"`
	RequestAppointments *bool `json:"requestAppointments,omitempty"`
	AddVitals           *bool `json:"addVitals,omitempty"`
	ViewDocuments       *bool `json:"viewDocuments,omitempty"`
	ViewPayments        *bool `json:"viewPayments,omitempty"`
}

// Apply returns base with every non-nil field of the patch copied over it.
func (pp *PermissionPatch) Apply(base PermissionSet) PermissionSet {
	if pp == nil {
		return base
	}
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&base.ViewVitals, pp.ViewVitals)
	set(&base.ViewAppointments, pp.ViewAppointments)
	set(&base.ViewPrescriptions, pp.ViewPrescriptions)
	set(&base.RequestAppointments, pp.RequestAppointments)
	set(&base.AddVitals, pp.AddVitals)
	set(&base.ViewDocuments, pp.ViewDocuments)
	set(&base.ViewPayments, pp.ViewPayments)
	return base
}

func (pp *PermissionPatch) IsEmpty() bool {
	return pp == nil || *pp == PermissionPatch{}
}
