package models

import "time"

// DeviceFamily identifies which listener owns a device's traffic.
type DeviceFamily string

const (
	FamilyWatch DeviceFamily = "watch"
	FamilyHub   DeviceFamily = "hub"
	FamilyKiosk DeviceFamily = "kiosk"
)

// Device is a registry row for a physical endpoint. The identifier
// (IMEI, MAC or serial) is immutable; the patient linkage is not.
type Device struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	Identifier string       `gorm:"uniqueIndex;not null" json:"identifier"`
	Family     DeviceFamily `gorm:"index;not null" json:"family"`
	PatientID  *uint        `gorm:"index" json:"patient_id,omitempty"`
	Patient    *Patient     `json:"patient,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

const (
	RegistrationRegistered   = "registered"
	RegistrationUnregistered = "unregistered"
)

// Patient holds identity fields. Unregistered rows are auto-created by
// the resolver from device-embedded identity; CitizenID carries the
// uniqueness constraint that collapses concurrent first contacts.
type Patient struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	CitizenID          *string    `gorm:"uniqueIndex" json:"citizen_id,omitempty"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	Gender             string     `json:"gender"`
	RegistrationStatus string     `gorm:"index;not null" json:"registration_status"`
	HospitalID         *uint      `gorm:"index" json:"hospital_id,omitempty"`
	DeviceIdentifier   *string    `gorm:"index" json:"device_identifier,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Hospital is the organization/location context attached to readings.
// OrgResourceID and LocResourceID are filled once the corresponding
// standardized resources have been lazily created.
type Hospital struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Code          string    `gorm:"uniqueIndex;not null" json:"code"`
	Name          string    `json:"name"`
	OrgResourceID string    `json:"org_resource_id"`
	LocResourceID string    `json:"loc_resource_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
