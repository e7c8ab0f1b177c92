package parser

import (
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Emission couples one canonical reading with its fan-out topic.
type Emission struct {
	Topic   string
	Reading *models.CanonicalReading
}

// EmitFunc delivers emissions produced outside a Parse call (the
// correlation-timeout flush path).
type EmitFunc func(Emission)

// Parser decodes raw broker messages for one device family. Decoding
// is pure apart from correlation-buffer state.
type Parser interface {
	Family() models.DeviceFamily

	// InboundTopics lists the broker topics this family listens on.
	InboundTopics() []string

	// Parse decodes one raw message into zero or more emissions. A
	// decode error applies to that packet only; the listener continues.
	Parse(topic string, payload []byte) ([]Emission, error)

	// Flush force-flushes any buffered partial readings (shutdown
	// drain); missing attributes are marked absent, never dropped.
	Flush() []Emission
}

// decodeFunc is one entry in a family's static routing table.
type decodeFunc func(payload []byte, receivedAt time.Time) ([]Emission, error)

func newReading(family models.DeviceFamily, deviceID string, kind models.ReadingKind,
	capturedAt time.Time, payload any, raw []byte, sourceTopic string) *models.CanonicalReading {
	return &models.CanonicalReading{
		DeviceIdentifier: deviceID,
		Family:           family,
		Kind:             kind,
		CapturedAt:       capturedAt,
		Payload:          payload,
		RawPayload:       string(raw),
		SourceTopic:      sourceTopic,
	}
}

// capturedAt prefers the device-reported timestamp, falling back to
// receipt time when the device sent none.
func capturedAt(deviceTS int64, receivedAt time.Time) time.Time {
	if deviceTS > 0 {
		return time.Unix(deviceTS, 0).UTC()
	}
	return receivedAt.UTC()
}
