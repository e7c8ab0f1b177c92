package models

import "time"

// Standardized resource types written to the chain.
const (
	ResourceObservation  = "Observation"
	ResourcePatient      = "Patient"
	ResourceDevice       = "Device"
	ResourceOrganization = "Organization"
	ResourceLocation     = "Location"
	ResourceFlag         = "Flag"
)

// ResourceRevision is one link in a resource's append-only hash chain.
// CurrentHash = SHA-256(PreviousHash || ContentHash), so editing any
// stored revision breaks verification for it and every later one.
type ResourceRevision struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ResourceType string    `gorm:"uniqueIndex:idx_chain_revision;index:idx_chain_lineage" json:"resource_type"`
	ResourceID   string    `gorm:"uniqueIndex:idx_chain_revision;index:idx_chain_lineage" json:"resource_id"`
	Revision     int       `gorm:"uniqueIndex:idx_chain_revision" json:"revision"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ResourceRevision) TableName() string {
	return "resource_chain"
}

// Coding is a terminology code (LOINC for observations).
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Code  string  `json:"code,omitempty"`
}

type Reference struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// ObservationComponent is one coded measurement inside an observation.
type ObservationComponent struct {
	Code   Coding    `json:"code"`
	Value  *Quantity `json:"valueQuantity,omitempty"`
	Absent bool      `json:"absent,omitempty"`
}

// ObservationResource is the standardized clinical shape for a
// vital-sign or sleep reading.
type ObservationResource struct {
	ResourceType  string                 `json:"resourceType"`
	Status        string                 `json:"status"`
	Code          Coding                 `json:"code"`
	Subject       *Reference             `json:"subject,omitempty"`
	Device        *Reference             `json:"device,omitempty"`
	Performer     *Reference             `json:"performer,omitempty"`
	EffectiveTime time.Time              `json:"effectiveDateTime"`
	Components    []ObservationComponent `json:"component,omitempty"`
}

// PatientResource mirrors the provisioned patient identity.
type PatientResource struct {
	ResourceType string     `json:"resourceType"`
	Identifier   string     `json:"identifier"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	BirthDate    *time.Time `json:"birthDate,omitempty"`
	Gender       string     `json:"gender"`
	Registration string     `json:"registration"`
	Organization *Reference `json:"managingOrganization,omitempty"`
}

// DeviceResource carries endpoint health (battery, signal, liveness).
type DeviceResource struct {
	ResourceType string     `json:"resourceType"`
	Identifier   string     `json:"identifier"`
	Family       string     `json:"family"`
	Status       string     `json:"status"`
	Battery      *int       `json:"battery,omitempty"`
	Signal       *int       `json:"signal,omitempty"`
	Patient      *Reference `json:"patient,omitempty"`
}

type OrganizationResource struct {
	ResourceType string `json:"resourceType"`
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
}

type LocationResource struct {
	ResourceType string     `json:"resourceType"`
	Identifier   string     `json:"identifier"`
	Name         string     `json:"name"`
	Organization *Reference `json:"managingOrganization,omitempty"`
}

// FlagResource is raised for emergency and fall events.
type FlagResource struct {
	ResourceType string     `json:"resourceType"`
	Status       string     `json:"status"`
	Code         Coding     `json:"code"`
	Subject      *Reference `json:"subject,omitempty"`
	Device       *Reference `json:"device,omitempty"`
	RaisedAt     time.Time  `json:"period"`
}
