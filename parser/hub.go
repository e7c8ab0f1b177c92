package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Wire shapes for the home gateway hub. The gateway relays readings
// from MAC-identified BLE sub-devices; a citizen ID is embedded when
// the measurement was taken in identified mode.

type hubStatus struct {
	MAC       string `json:"mac"`
	Status    string `json:"status"` // "online" | "offline"
	Timestamp int64  `json:"timestamp"`
}

type hubData struct {
	GatewayMAC string   `json:"gw_mac"`
	DeviceMAC  string   `json:"device_mac"`
	Type       string   `json:"type"`
	Value      *float64 `json:"value,omitempty"`
	Systolic   *float64 `json:"systolic,omitempty"`
	Diastolic  *float64 `json:"diastolic,omitempty"`
	CitizenID  string   `json:"citizen_id,omitempty"`
	FirstName  string   `json:"first_name,omitempty"`
	LastName   string   `json:"last_name,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// HubParser decodes gateway-hub packets. Sub-device readings arrive
// whole, so no correlation buffer is needed.
type HubParser struct {
	routes map[string]decodeFunc
	logger *slog.Logger
}

func NewHubParser(logger *slog.Logger) *HubParser {
	p := &HubParser{
		logger: logger.With("component", "hub_parser"),
	}
	p.routes = map[string]decodeFunc{
		TopicHubStatus: p.decodeStatus,
		TopicHubData:   p.decodeData,
	}
	return p
}

func (p *HubParser) Family() models.DeviceFamily {
	return models.FamilyHub
}

func (p *HubParser) InboundTopics() []string {
	topics := make([]string, 0, len(p.routes))
	for topic := range p.routes {
		topics = append(topics, topic)
	}
	return topics
}

func (p *HubParser) Parse(topic string, payload []byte) ([]Emission, error) {
	decode, ok := p.routes[topic]
	if !ok {
		return nil, fmt.Errorf("no hub route for topic %s", topic)
	}
	return decode(payload, time.Now())
}

// Flush is a no-op: the hub protocol carries no partial readings.
func (p *HubParser) Flush() []Emission {
	return nil
}

func (p *HubParser) decodeStatus(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg hubStatus
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed hub status packet: %w", err)
	}
	if msg.MAC == "" {
		return nil, fmt.Errorf("hub status packet missing MAC")
	}

	reading := newReading(models.FamilyHub, msg.MAC, models.KindStatus,
		capturedAt(msg.Timestamp, receivedAt),
		models.StatusPayload{Online: msg.Status == "online"},
		payload, TopicHubStatus)
	return []Emission{{Topic: TopicStatus, Reading: reading}}, nil
}

func (p *HubParser) decodeData(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg hubData
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed hub data packet: %w", err)
	}
	if msg.DeviceMAC == "" {
		return nil, fmt.Errorf("hub data packet missing device MAC")
	}

	vitals, err := singleAttributeVitals(msg.Type, msg.Value, msg.Systolic, msg.Diastolic)
	if err != nil {
		return nil, fmt.Errorf("hub data packet for %s: %w", msg.DeviceMAC, err)
	}

	reading := newReading(models.FamilyHub, msg.DeviceMAC, models.KindVitalSign,
		capturedAt(msg.Timestamp, receivedAt), vitals, payload, TopicHubData)

	if msg.CitizenID != "" {
		reading.Identity = &models.EmbeddedIdentity{
			CitizenID: msg.CitizenID,
			FirstName: msg.FirstName,
			LastName:  msg.LastName,
		}
	}

	return []Emission{{Topic: TopicVitals, Reading: reading}}, nil
}

// Attributes measured by hub sub-devices beyond the wearable set.
const (
	AttrGlucose = "glucose"
	AttrWeight  = "weight"
)

// singleAttributeVitals builds a vital-sign payload carrying exactly
// one measured attribute; the rest are explicitly marked absent.
func singleAttributeVitals(attr string, value, systolic, diastolic *float64) (models.VitalSignPayload, error) {
	vitals := models.VitalSignPayload{
		HeartRate:     models.VitalValue{Absent: true},
		BloodPressure: models.BloodPressureValue{Absent: true},
		SpO2:          models.VitalValue{Absent: true},
		BodyTemp:      models.VitalValue{Absent: true},
		Glucose:       models.VitalValue{Absent: true},
		Weight:        models.VitalValue{Absent: true},
	}

	switch attr {
	case AttrHeartRate:
		vitals.HeartRate = models.VitalValue{Value: value}
	case AttrBloodPressure:
		vitals.BloodPressure = models.BloodPressureValue{Systolic: systolic, Diastolic: diastolic}
	case AttrSpO2:
		vitals.SpO2 = models.VitalValue{Value: value}
	case AttrBodyTemp:
		vitals.BodyTemp = models.VitalValue{Value: value}
	case AttrGlucose:
		vitals.Glucose = models.VitalValue{Value: value}
	case AttrWeight:
		vitals.Weight = models.VitalValue{Value: value}
	default:
		return vitals, fmt.Errorf("unknown measurement type %q", attr)
	}
	return vitals, nil
}
