package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Wire shapes for the watch (wearable tracker) protocol. The IMEI is
// the device identifier on every packet.

type watchHeartbeat struct {
	IMEI      string                  `json:"IMEI"`
	Battery   int                     `json:"battery"`
	Signal    int                     `json:"signal"`
	Steps     int                     `json:"steps"`
	Timestamp int64                   `json:"timestamp"`
	Location  *models.LocationPayload `json:"location,omitempty"`
}

type watchVitalFragment struct {
	IMEI      string   `json:"IMEI"`
	Type      string   `json:"type"`
	Value     *float64 `json:"value,omitempty"`
	Systolic  *float64 `json:"systolic,omitempty"`
	Diastolic *float64 `json:"diastolic,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type watchBatch struct {
	IMEI      string                    `json:"IMEI"`
	Readings  []models.VitalSignPayload `json:"readings"`
	Timestamp int64                     `json:"timestamp"`
}

type watchLocation struct {
	IMEI      string             `json:"IMEI"`
	GPS       *models.GPSPoint   `json:"gps,omitempty"`
	WiFi      []models.WiFiInfo  `json:"wifi,omitempty"`
	LBS       []models.CellTower `json:"lbs,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

type watchSleep struct {
	IMEI      string `json:"IMEI"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	TotalMins int    `json:"total_mins"`
	DeepMins  int    `json:"deep_mins"`
	LightMins int    `json:"light_mins"`
	AwakeMins int    `json:"awake_mins"`
	Score     int    `json:"score"`
	Timestamp int64  `json:"timestamp"`
}

type watchAlarm struct {
	IMEI      string `json:"IMEI"`
	Code      int    `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// WatchParser decodes wearable-tracker packets. Vital signs arrive as
// independent fragments and are assembled by the correlator.
type WatchParser struct {
	correlator *Correlator
	routes     map[string]decodeFunc
	logger     *slog.Logger
	emit       EmitFunc
}

// NewWatchParser builds the watch routing table. emit receives readings
// produced by correlation-deadline flushes.
func NewWatchParser(window time.Duration, logger *slog.Logger, emit EmitFunc) *WatchParser {
	p := &WatchParser{
		correlator: NewCorrelator(window, logger),
		logger:     logger.With("component", "watch_parser"),
		emit:       emit,
	}
	p.correlator.SetFlushHandler(p.onCorrelationFlush)
	p.routes = map[string]decodeFunc{
		TopicWatchHeartbeat: p.decodeHeartbeat,
		TopicWatchVitals:    p.decodeVitalFragment,
		TopicWatchBatch:     p.decodeBatch,
		TopicWatchLocation:  p.decodeLocation,
		TopicWatchSleep:     p.decodeSleep,
		TopicWatchAlarm:     p.decodeAlarm,
	}
	return p
}

func (p *WatchParser) Family() models.DeviceFamily {
	return models.FamilyWatch
}

func (p *WatchParser) InboundTopics() []string {
	topics := make([]string, 0, len(p.routes))
	for topic := range p.routes {
		topics = append(topics, topic)
	}
	return topics
}

func (p *WatchParser) Parse(topic string, payload []byte) ([]Emission, error) {
	decode, ok := p.routes[topic]
	if !ok {
		return nil, fmt.Errorf("no watch route for topic %s", topic)
	}
	return decode(payload, time.Now())
}

func (p *WatchParser) Flush() []Emission {
	var out []Emission
	for _, f := range p.correlator.flushAll() {
		reading := newReading(models.FamilyWatch, f.DeviceID, models.KindVitalSign,
			f.CapturedAt, f.Payload, f.Raw, TopicWatchVitals)
		out = append(out, Emission{Topic: TopicVitals, Reading: reading})
	}
	return out
}

func (p *WatchParser) onCorrelationFlush(deviceID string, payload models.VitalSignPayload, raw []byte, at time.Time) {
	reading := newReading(models.FamilyWatch, deviceID, models.KindVitalSign, at, payload, raw, TopicWatchVitals)
	p.emit(Emission{Topic: TopicVitals, Reading: reading})
}

func (p *WatchParser) decodeHeartbeat(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchHeartbeat
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed heartbeat packet: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("heartbeat packet missing IMEI")
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, models.KindHeartbeat,
		capturedAt(msg.Timestamp, receivedAt),
		models.HeartbeatPayload{Battery: msg.Battery, Signal: msg.Signal, Steps: msg.Steps},
		payload, TopicWatchHeartbeat)
	return []Emission{{Topic: TopicHeartbeat, Reading: reading}}, nil
}

func (p *WatchParser) decodeVitalFragment(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchVitalFragment
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed vital fragment: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("vital fragment missing IMEI")
	}

	frag := Fragment{Attribute: msg.Type, Value: msg.Value, Systolic: msg.Systolic, Diastolic: msg.Diastolic, Raw: payload}
	merged, raw, firstAt := p.correlator.Add(msg.IMEI, frag, capturedAt(msg.Timestamp, receivedAt))
	if merged == nil {
		return nil, nil
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, models.KindVitalSign, firstAt, *merged, raw, TopicWatchVitals)
	return []Emission{{Topic: TopicVitals, Reading: reading}}, nil
}

func (p *WatchParser) decodeBatch(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchBatch
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed batch packet: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("batch packet missing IMEI")
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, models.KindVitalBatch,
		capturedAt(msg.Timestamp, receivedAt),
		models.VitalBatchPayload{Count: len(msg.Readings), Readings: msg.Readings},
		payload, TopicWatchBatch)
	return []Emission{{Topic: TopicVitalsBatch, Reading: reading}}, nil
}

func (p *WatchParser) decodeLocation(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchLocation
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed location packet: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("location packet missing IMEI")
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, models.KindLocation,
		capturedAt(msg.Timestamp, receivedAt),
		models.LocationPayload{GPS: msg.GPS, WiFi: msg.WiFi, LBS: msg.LBS},
		payload, TopicWatchLocation)
	return []Emission{{Topic: TopicLocation, Reading: reading}}, nil
}

func (p *WatchParser) decodeSleep(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchSleep
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed sleep packet: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("sleep packet missing IMEI")
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, models.KindSleep,
		capturedAt(msg.Timestamp, receivedAt),
		models.SleepPayload{
			Start:     time.Unix(msg.Start, 0).UTC(),
			End:       time.Unix(msg.End, 0).UTC(),
			TotalMins: msg.TotalMins,
			DeepMins:  msg.DeepMins,
			LightMins: msg.LightMins,
			AwakeMins: msg.AwakeMins,
			Score:     msg.Score,
		},
		payload, TopicWatchSleep)
	return []Emission{{Topic: TopicSleep, Reading: reading}}, nil
}

func (p *WatchParser) decodeAlarm(payload []byte, receivedAt time.Time) ([]Emission, error) {
	var msg watchAlarm
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed alarm packet: %w", err)
	}
	if msg.IMEI == "" {
		return nil, fmt.Errorf("alarm packet missing IMEI")
	}

	route := RouteEventCode(msg.Code)
	if !route.Emit {
		return nil, nil
	}

	reading := newReading(models.FamilyWatch, msg.IMEI, route.Kind,
		capturedAt(msg.Timestamp, receivedAt),
		models.EventPayload{Status: route.Status, Code: msg.Code},
		payload, TopicWatchAlarm)
	return []Emission{{Topic: route.Topic, Reading: reading}}, nil
}
