package parser

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Fragment attributes of a composite vital-sign reading.
const (
	AttrHeartRate     = "heart_rate"
	AttrBloodPressure = "blood_pressure"
	AttrSpO2          = "spo2"
	AttrBodyTemp      = "body_temp"
)

// attributeSet names the fragment set this correlator assembles; the
// buffer key is (device_id, attribute set).
const attributeSet = "vital_sign"

var requiredAttrs = []string{AttrHeartRate, AttrBloodPressure, AttrSpO2, AttrBodyTemp}

// Fragment is one independently-arriving piece of a composite reading.
// Raw carries the fragment's wire bytes so the assembled reading keeps
// every original payload.
type Fragment struct {
	Attribute string
	Value     *float64
	Systolic  *float64
	Diastolic *float64
	Raw       []byte
}

// FlushFunc receives a reading forced out by the correlation deadline,
// with missing attributes explicitly marked absent.
type FlushFunc func(deviceID string, payload models.VitalSignPayload, raw []byte, capturedAt time.Time)

type bufferEntry struct {
	deviceID string
	payload  models.VitalSignPayload
	got      map[string]bool
	raws     [][]byte
	firstAt  time.Time
	timer    *time.Timer
}

// Correlator merges multi-fragment packets into single canonical
// readings. Each buffer entry carries a deadline; the timer-driven
// flush and Add coordinate through the correlator's own mutex, so at
// most one emission happens per correlation window.
type Correlator struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*bufferEntry
	onFlush FlushFunc
	logger  *slog.Logger
}

func NewCorrelator(window time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		window:  window,
		entries: make(map[string]*bufferEntry),
		logger:  logger.With("component", "correlator"),
	}
}

// SetFlushHandler registers the deadline-flush sink. Must be set before
// fragments arrive.
func (c *Correlator) SetFlushHandler(fn FlushFunc) {
	c.onFlush = fn
}

func bufferKey(deviceID string) string {
	return deviceID + "|" + attributeSet
}

// Add merges one fragment. When the required attribute set completes it
// returns the merged payload, the combined raw fragment payloads, and
// the window's start time; otherwise the fragment is buffered and
// (nil, nil, zero time) is returned.
func (c *Correlator) Add(deviceID string, frag Fragment, at time.Time) (*models.VitalSignPayload, []byte, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := bufferKey(deviceID)
	entry, ok := c.entries[key]
	if !ok {
		entry = &bufferEntry{
			deviceID: deviceID,
			got:      make(map[string]bool, len(requiredAttrs)),
			firstAt:  at,
		}
		entry.timer = time.AfterFunc(c.window, func() {
			c.flushExpired(key)
		})
		c.entries[key] = entry
	}

	c.merge(entry, frag)

	if !c.complete(entry) {
		return nil, nil, time.Time{}
	}

	entry.timer.Stop()
	delete(c.entries, key)
	payload := entry.payload
	return &payload, mergedRaw(entry.raws), entry.firstAt
}

func (c *Correlator) merge(entry *bufferEntry, frag Fragment) {
	switch frag.Attribute {
	case AttrHeartRate:
		entry.payload.HeartRate = models.VitalValue{Value: frag.Value}
		entry.got[AttrHeartRate] = true
	case AttrBloodPressure:
		entry.payload.BloodPressure = models.BloodPressureValue{Systolic: frag.Systolic, Diastolic: frag.Diastolic}
		entry.got[AttrBloodPressure] = true
	case AttrSpO2:
		entry.payload.SpO2 = models.VitalValue{Value: frag.Value}
		entry.got[AttrSpO2] = true
	case AttrBodyTemp:
		entry.payload.BodyTemp = models.VitalValue{Value: frag.Value}
		entry.got[AttrBodyTemp] = true
	default:
		c.logger.Warn("Unknown vital fragment attribute ignored", "device_id", entry.deviceID, "attribute", frag.Attribute)
		return
	}
	if len(frag.Raw) > 0 {
		entry.raws = append(entry.raws, frag.Raw)
	}
}

// mergedRaw joins the fragments' wire bytes into one JSON array so the
// assembled reading still carries every original payload verbatim.
func mergedRaw(raws [][]byte) []byte {
	if len(raws) == 0 {
		return nil
	}
	size := 1 + len(raws)
	for _, r := range raws {
		size += len(r)
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	out = append(out, bytes.Join(raws, []byte(","))...)
	out = append(out, ']')
	return out
}

func (c *Correlator) complete(entry *bufferEntry) bool {
	for _, attr := range requiredAttrs {
		if !entry.got[attr] {
			return false
		}
	}
	return true
}

// markAbsent sets the explicit absent marker on every attribute the
// window never received.
func markAbsent(entry *bufferEntry) {
	if !entry.got[AttrHeartRate] {
		entry.payload.HeartRate = models.VitalValue{Absent: true}
	}
	if !entry.got[AttrBloodPressure] {
		entry.payload.BloodPressure = models.BloodPressureValue{Absent: true}
	}
	if !entry.got[AttrSpO2] {
		entry.payload.SpO2 = models.VitalValue{Absent: true}
	}
	if !entry.got[AttrBodyTemp] {
		entry.payload.BodyTemp = models.VitalValue{Absent: true}
	}
}

// flushExpired is the timer path. The entry may already be gone if the
// reading completed between the timer firing and the lock acquisition.
func (c *Correlator) flushExpired(key string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	markAbsent(entry)
	payload := entry.payload
	raw := mergedRaw(entry.raws)
	deviceID := entry.deviceID
	firstAt := entry.firstAt
	c.mu.Unlock()

	c.logger.Warn("Correlation window expired, flushing partial reading",
		"device_id", deviceID, "kind", string(models.KindVitalSign))

	if c.onFlush != nil {
		c.onFlush(deviceID, payload, raw, firstAt)
	}
}

// flushed is one force-flushed partial reading.
type flushed struct {
	DeviceID   string
	Payload    models.VitalSignPayload
	Raw        []byte
	CapturedAt time.Time
}

// flushAll drains every buffered entry with absent markers. Used on
// shutdown so no in-flight reading is discarded.
func (c *Correlator) flushAll() []flushed {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]flushed, 0, len(c.entries))
	for key, entry := range c.entries {
		entry.timer.Stop()
		delete(c.entries, key)
		markAbsent(entry)
		out = append(out, flushed{
			DeviceID:   entry.deviceID,
			Payload:    entry.payload,
			Raw:        mergedRaw(entry.raws),
			CapturedAt: entry.firstAt,
		})
	}
	return out
}

// Pending returns the number of open correlation windows.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
