package patient

import (
	"strings"
	"time"
)

// Relationship is how a caregiver is related to the patient.
type Relationship string

const (
	RelationshipParent     Relationship = "parent"
	RelationshipGuardian   Relationship = "guardian"
	RelationshipSpouse     Relationship = "spouse"
	RelationshipAdultChild Relationship = "adult_child"
	RelationshipSibling    Relationship = "sibling"
	RelationshipCaregiver  Relationship = "caregiver"
)

func (r Relationship) Valid() bool {
	switch r {
	case RelationshipParent, RelationshipGuardian, RelationshipSpouse,
		RelationshipAdultChild, RelationshipSibling, RelationshipCaregiver:
		return true
	}
	return false
}

// Inviter is the side that issued an invitation, and therefore added a caregiver.
type Inviter string

const (
	InviterPatient Inviter = "patient"
	InviterDoctor  Inviter = "doctor"
)

type CaregiverStatus string

const (
	CaregiverActive    CaregiverStatus = "active"
	CaregiverSuspended CaregiverStatus = "suspended"
)

// Caregiver is an accepted caregiver relationship, embedded in its Patient.
type Caregiver struct {
	Email        string          `json:"email"`
	Relationship Relationship    `json:"relationship"`
	Permissions  PermissionSet   `json:"permissions"`
	AddedAt      time.Time       `json:"addedAt"`
	AddedBy      Inviter         `json:"addedBy"`
	Status       CaregiverStatus `json:"status"`
}

// Patient is stored whole in the patients collection. Version is the store
// version the record was read at and is not part of the body.
type Patient struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Email      string      `json:"email,omitempty"`
	DoctorID   string      `json:"doctorId,omitempty"`
	Caregivers []Caregiver `json:"caregivers"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Version    int64       `json:"-"`
}

// FindCaregiver returns the index of the caregiver with the given email,
// compared case-insensitively, or -1.
func (p *Patient) FindCaregiver(email string) int {
	for i := range p.Caregivers {
		if strings.EqualFold(p.Caregivers[i].Email, email) {
			return i
		}
	}
	return -1
}

func (p *Patient) HasCaregiver(email string) bool {
	return p.FindCaregiver(email) >= 0
}

// RemoveCaregiver drops the entry for email and reports whether one existed.
func (p *Patient) RemoveCaregiver(email string) bool {
	i := p.FindCaregiver(email)
	if i < 0 {
		return false
	}
	p.Caregivers = append(p.Caregivers[:i:i], p.Caregivers[i+1:]...)
	return true
}

// IsOwner reports whether email is the patient's own address.
func (p *Patient) IsOwner(email string) bool {
	return p.Email != "" && strings.EqualFold(p.Email, email)
}
