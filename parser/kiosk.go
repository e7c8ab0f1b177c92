package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Wire shape for the clinical kiosk. Every packet embeds full national
// identity, so unresolved readings here auto-provision a patient.
type kioskVitals struct {
	Serial    string   `json:"serial"`
	CitizenID string   `json:"citizen_id"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	BirthDate string   `json:"birth_date,omitempty"` // YYYY-MM-DD
	Gender    string   `json:"gender,omitempty"`
	HeartRate *float64 `json:"heart_rate,omitempty"`
	Systolic  *float64 `json:"systolic,omitempty"`
	Diastolic *float64 `json:"diastolic,omitempty"`
	SpO2      *float64 `json:"spo2,omitempty"`
	BodyTemp  *float64 `json:"body_temp,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// KioskParser decodes clinical-kiosk packets.
type KioskParser struct {
	routes map[string]decodeFunc
	logger *slog.Logger
}

func NewKioskParser(logger *slog.Logger) *KioskParser {
	p := &KioskParser{
		logger: logger.With("component", "kiosk_parser"),
	}
	p.routes = map[string]decodeFunc{
		TopicKioskVitals: p.decodeVitals,
	}
	return p
}

func (p *KioskParser) Family() models.DeviceFamily {
	return models.FamilyKiosk
}

func (p *KioskParser) InboundTopics() []string {
	return []string{TopicKioskVitals}
}

func (p *KioskParser) Parse(topic string, payload []byte) ([]Emission, error) {
	decode, ok := p.routes[topic]
	if !ok {
		return nil, fmt.Errorf("no kiosk route for topic %s", topic)
	}
	return decode(payload, time.Now())
}

// Flush is a no-op: kiosk readings arrive whole.
func (p *KioskParser) Flush() []Emission {
	return nil
}

func (p *KioskParser) decodeVitals(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg kioskVitals
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed kiosk packet: %w", err)
	}
	if msg.Serial == "" {
		return nil, fmt.Errorf("kiosk packet missing serial")
	}
	if msg.CitizenID == "" {
		return nil, fmt.Errorf("kiosk packet for %s missing citizen ID", msg.Serial)
	}

	vitals := models.VitalSignPayload{
		HeartRate:     models.VitalValue{Value: msg.HeartRate, Absent: msg.HeartRate == nil},
		BloodPressure: models.BloodPressureValue{Systolic: msg.Systolic, Diastolic: msg.Diastolic, Absent: msg.Systolic == nil && msg.Diastolic == nil},
		SpO2:          models.VitalValue{Value: msg.SpO2, Absent: msg.SpO2 == nil},
		BodyTemp:      models.VitalValue{Value: msg.BodyTemp, Absent: msg.BodyTemp == nil},
	}

	reading := newReading(models.FamilyKiosk, msg.Serial, models.KindVitalSign,
		capturedAt(msg.Timestamp, receivedAt), vitals, payload, TopicKioskVitals)

	identity := &models.EmbeddedIdentity{
		CitizenID: msg.CitizenID,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
		Gender:    msg.Gender,
	}
	if msg.BirthDate != "" {
		if bd, err := time.Parse("2006-01-02", msg.BirthDate); err == nil {
			identity.BirthDate = &bd
		} else {
			p.logger.Warn("Unparseable birth date in kiosk packet", "device_id", msg.Serial, "birth_date", msg.BirthDate)
		}
	}
	reading.Identity = identity

	return []Emission{{Topic: TopicVitals, Reading: reading}}, nil
}
