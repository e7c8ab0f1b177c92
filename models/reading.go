package models

import "time"

// ReadingKind classifies a canonical reading.
type ReadingKind string

const (
	KindHeartbeat  ReadingKind = "heartbeat"
	KindVitalSign  ReadingKind = "vital_sign"
	KindVitalBatch ReadingKind = "vital_batch"
	KindLocation   ReadingKind = "location"
	KindSleep      ReadingKind = "sleep_summary"
	KindEmergency  ReadingKind = "emergency"
	KindFall       ReadingKind = "fall"
	KindAlert      ReadingKind = "alert"
	KindStatus     ReadingKind = "status"
)

// CanonicalReading is the normalized, decoded telemetry event. It is
// never mutated after creation; the raw broker payload is retained
// verbatim for audit.
type CanonicalReading struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	DeviceIdentifier string       `gorm:"index;not null" json:"device_identifier"`
	Family           DeviceFamily `gorm:"index" json:"family"`
	PatientID        *uint        `gorm:"index" json:"patient_id,omitempty"`
	Unmapped         bool         `gorm:"index" json:"unmapped"`
	Kind             ReadingKind  `gorm:"index;not null" json:"kind"`
	CapturedAt       time.Time    `json:"captured_at"`
	Payload          any          `gorm:"serializer:json" json:"payload"`
	RawPayload       string       `json:"raw_payload"`
	SourceTopic      string       `json:"source_topic"`
	CreatedAt        time.Time    `json:"created_at"`

	// Identity embedded in the device payload (hub/kiosk families).
	// Consumed by the resolver, not persisted as a column.
	Identity *EmbeddedIdentity `gorm:"-" json:"-"`
}

// EmbeddedIdentity is patient identity carried inline by device
// families that support it. Watches never carry one.
type EmbeddedIdentity struct {
	CitizenID string     `json:"citizen_id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Gender    string     `json:"gender"`
}

// VitalValue wraps a single measured attribute. Absent is set when a
// correlation window closed before the fragment arrived; the attribute
// is then explicitly marked, never silently omitted.
type VitalValue struct {
	Value  *float64 `json:"value,omitempty"`
	Absent bool     `json:"absent"`
}

// BloodPressureValue is the two-component blood pressure attribute.
type BloodPressureValue struct {
	Systolic  *float64 `json:"systolic,omitempty"`
	Diastolic *float64 `json:"diastolic,omitempty"`
	Absent    bool     `json:"absent"`
}

// VitalSignPayload is the merged vital-sign reading assembled by the
// correlator (watch family) or decoded whole (hub/kiosk families).
type VitalSignPayload struct {
	HeartRate     VitalValue         `json:"heart_rate"`
	BloodPressure BloodPressureValue `json:"blood_pressure"`
	SpO2          VitalValue         `json:"spo2"`
	BodyTemp      VitalValue         `json:"body_temp"`

	// Glucose and Weight are measured by hub sub-devices only;
	// families that never measure them leave the fields zero-valued.
	Glucose VitalValue `json:"glucose"`
	Weight  VitalValue `json:"weight"`
}

// VitalBatchPayload carries a batch upload of stored measurements.
type VitalBatchPayload struct {
	Count    int                `json:"count"`
	Readings []VitalSignPayload `json:"readings"`
}

type HeartbeatPayload struct {
	Battery int `json:"battery"`
	Signal  int `json:"signal"`
	Steps   int `json:"steps"`
}

type GPSPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
}

type WiFiInfo struct {
	MAC  string `json:"mac"`
	SSID string `json:"ssid,omitempty"`
	RSSI int    `json:"rssi,omitempty"`
}

type CellTower struct {
	MCC    int `json:"mcc"`
	MNC    int `json:"mnc"`
	LAC    int `json:"lac"`
	CID    int `json:"cid"`
	Signal int `json:"signal,omitempty"`
}

// LocationPayload carries whichever positioning sources the device
// reported; GPS, WiFi and cell-tower fields are all optional.
type LocationPayload struct {
	GPS  *GPSPoint   `json:"gps,omitempty"`
	WiFi []WiFiInfo  `json:"wifi,omitempty"`
	LBS  []CellTower `json:"lbs,omitempty"`
}

type SleepPayload struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	TotalMins int       `json:"total_mins"`
	DeepMins  int       `json:"deep_mins"`
	LightMins int       `json:"light_mins"`
	AwakeMins int       `json:"awake_mins"`
	Score     int       `json:"score"`
}

// EventPayload is an alarm-state transition (SOS, fall, etc.).
type EventPayload struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
}

type StatusPayload struct {
	Online bool `json:"online"`
}
