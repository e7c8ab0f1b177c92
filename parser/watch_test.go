package parser

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"

	"github.com/stretchr/testify/require"
)

func newTestWatchParser(window time.Duration) (*WatchParser, *emissionSink) {
	sink := &emissionSink{}
	return NewWatchParser(window, testLogger(), sink.collect), sink
}

type emissionSink struct {
	mu        sync.Mutex
	emissions []Emission
}

func (s *emissionSink) collect(em Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emissions = append(s.emissions, em)
}

func (s *emissionSink) all() []Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emission(nil), s.emissions...)
}

func TestWatchParser_Heartbeat(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	payload := []byte(`{"IMEI":"865067123456789","battery":67,"signal":80,"steps":4021,"timestamp":1756100000}`)
	emissions, err := p.Parse(TopicWatchHeartbeat, payload)
	require.NoError(t, err)
	require.Len(t, emissions, 1)

	em := emissions[0]
	require.Equal(t, TopicHeartbeat, em.Topic)
	require.Equal(t, "865067123456789", em.Reading.DeviceIdentifier)
	require.Equal(t, models.FamilyWatch, em.Reading.Family)
	require.Equal(t, models.KindHeartbeat, em.Reading.Kind)
	require.Equal(t, time.Unix(1756100000, 0).UTC(), em.Reading.CapturedAt)

	hb, ok := em.Reading.Payload.(models.HeartbeatPayload)
	require.True(t, ok)
	require.Equal(t, 67, hb.Battery)
	require.Equal(t, 80, hb.Signal)
	require.Equal(t, 4021, hb.Steps)
	require.Equal(t, string(payload), em.Reading.RawPayload)
}

func TestWatchParser_MalformedPacketIsRejected(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	_, err := p.Parse(TopicWatchHeartbeat, []byte(`{"IMEI":`))
	require.Error(t, err)

	_, err = p.Parse(TopicWatchHeartbeat, []byte(`{"battery":50}`))
	require.Error(t, err, "packets without an IMEI carry no routable identity")

	_, err = p.Parse("watch/bogus", []byte(`{}`))
	require.Error(t, err)
}

func TestWatchParser_VitalFragmentsCorrelateIntoOneReading(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	packets := [][]byte{
		[]byte(`{"IMEI":"865067123456789","type":"heart_rate","value":71,"timestamp":1756100000}`),
		[]byte(`{"IMEI":"865067123456789","type":"blood_pressure","systolic":118,"diastolic":76,"timestamp":1756100002}`),
		[]byte(`{"IMEI":"865067123456789","type":"spo2","value":97,"timestamp":1756100004}`),
	}
	for _, pkt := range packets {
		emissions, err := p.Parse(TopicWatchVitals, pkt)
		require.NoError(t, err)
		require.Empty(t, emissions, "partial windows must not emit")
	}

	emissions, err := p.Parse(TopicWatchVitals,
		[]byte(`{"IMEI":"865067123456789","type":"body_temp","value":36.8,"timestamp":1756100006}`))
	require.NoError(t, err)
	require.Len(t, emissions, 1)

	em := emissions[0]
	require.Equal(t, TopicVitals, em.Topic)
	require.Equal(t, models.KindVitalSign, em.Reading.Kind)
	require.Equal(t, time.Unix(1756100000, 0).UTC(), em.Reading.CapturedAt,
		"merged reading keeps the first fragment's capture time")

	vitals, ok := em.Reading.Payload.(models.VitalSignPayload)
	require.True(t, ok)
	require.Equal(t, 71.0, *vitals.HeartRate.Value)
	require.Equal(t, 118.0, *vitals.BloodPressure.Systolic)
	require.Equal(t, 97.0, *vitals.SpO2.Value)
	require.Equal(t, 36.8, *vitals.BodyTemp.Value)

	var rawFragments []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(em.Reading.RawPayload), &rawFragments),
		"merged reading keeps every fragment's wire bytes")
	require.Len(t, rawFragments, 4)
	require.Contains(t, em.Reading.RawPayload, `"type":"blood_pressure"`)
}

func TestWatchParser_CorrelationDeadlineEmitsPartialReading(t *testing.T) {
	p, sink := newTestWatchParser(30 * time.Millisecond)

	emissions, err := p.Parse(TopicWatchVitals,
		[]byte(`{"IMEI":"865067123456789","type":"heart_rate","value":71,"timestamp":1756100000}`))
	require.NoError(t, err)
	require.Empty(t, emissions)

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, time.Second, 5*time.Millisecond)

	em := sink.all()[0]
	require.Equal(t, TopicVitals, em.Topic)
	vitals, ok := em.Reading.Payload.(models.VitalSignPayload)
	require.True(t, ok)
	require.Equal(t, 71.0, *vitals.HeartRate.Value)
	require.True(t, vitals.SpO2.Absent)
	require.True(t, vitals.BloodPressure.Absent)
	require.True(t, vitals.BodyTemp.Absent)
	require.Contains(t, em.Reading.RawPayload, `"type":"heart_rate"`,
		"partial flush keeps the received fragment's wire bytes")
}

func TestWatchParser_Batch(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	payload := []byte(`{"IMEI":"865067123456789","readings":[` +
		`{"heart_rate":{"value":70},"blood_pressure":{"systolic":115,"diastolic":74},"spo2":{"value":98},"body_temp":{"value":36.5}},` +
		`{"heart_rate":{"value":74},"blood_pressure":{"systolic":119,"diastolic":78},"spo2":{"value":97},"body_temp":{"value":36.7}}` +
		`],"timestamp":1756100000}`)

	emissions, err := p.Parse(TopicWatchBatch, payload)
	require.NoError(t, err)
	require.Len(t, emissions, 1)
	require.Equal(t, TopicVitalsBatch, emissions[0].Topic)

	batch, ok := emissions[0].Reading.Payload.(models.VitalBatchPayload)
	require.True(t, ok)
	require.Equal(t, 2, batch.Count)
	require.Len(t, batch.Readings, 2)
	require.Equal(t, 70.0, *batch.Readings[0].HeartRate.Value)
	require.Equal(t, 78.0, *batch.Readings[1].BloodPressure.Diastolic)
}

func TestWatchParser_AlarmRouting(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	cases := []struct {
		name   string
		code   int
		topic  string
		status string
	}{
		{"sos", 1, TopicEmergency, "SOS"},
		{"fall", 2, TopicFall, "FALL_DOWN"},
		{"not_worn", 3, TopicEmergency, "NOT_WORN"},
		{"low_battery", 4, TopicAlertDefault, "LOW_BATTERY"},
		{"unknown", 9, TopicAlertDefault, "UNKNOWN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(`{"IMEI":"865067123456789","code":%d,"timestamp":1756100000}`, tc.code))
			emissions, err := p.Parse(TopicWatchAlarm, payload)
			require.NoError(t, err)
			require.Len(t, emissions, 1)
			require.Equal(t, tc.topic, emissions[0].Topic)

			event, ok := emissions[0].Reading.Payload.(models.EventPayload)
			require.True(t, ok)
			require.Equal(t, tc.status, event.Status)
			require.Equal(t, tc.code, event.Code)
		})
	}
}

func TestWatchParser_NormalAlarmEmitsNothing(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	emissions, err := p.Parse(TopicWatchAlarm,
		[]byte(`{"IMEI":"865067123456789","code":0,"timestamp":1756100000}`))
	require.NoError(t, err)
	require.Empty(t, emissions)
}

func TestWatchParser_FlushDrainsOpenWindows(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	_, err := p.Parse(TopicWatchVitals,
		[]byte(`{"IMEI":"865067123456789","type":"spo2","value":96,"timestamp":1756100000}`))
	require.NoError(t, err)

	emissions := p.Flush()
	require.Len(t, emissions, 1)

	vitals, ok := emissions[0].Reading.Payload.(models.VitalSignPayload)
	require.True(t, ok)
	require.Equal(t, 96.0, *vitals.SpO2.Value)
	require.True(t, vitals.HeartRate.Absent)
	require.Contains(t, emissions[0].Reading.RawPayload, `"type":"spo2"`)
	require.Empty(t, p.Flush(), "a drained buffer stays empty")
}

func TestWatchParser_Location(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	payload := []byte(`{"IMEI":"865067123456789","gps":{"latitude":13.7563,"longitude":100.5018,"speed":1.2},"timestamp":1756100000}`)
	emissions, err := p.Parse(TopicWatchLocation, payload)
	require.NoError(t, err)
	require.Len(t, emissions, 1)
	require.Equal(t, TopicLocation, emissions[0].Topic)

	loc, ok := emissions[0].Reading.Payload.(models.LocationPayload)
	require.True(t, ok)
	require.NotNil(t, loc.GPS)
	require.Equal(t, 13.7563, loc.GPS.Latitude)
}

func TestWatchParser_Sleep(t *testing.T) {
	p, _ := newTestWatchParser(time.Minute)

	payload := []byte(`{"IMEI":"865067123456789","start":1756060000,"end":1756088800,"total_mins":480,"deep_mins":120,"light_mins":300,"awake_mins":60,"score":82,"timestamp":1756100000}`)
	emissions, err := p.Parse(TopicWatchSleep, payload)
	require.NoError(t, err)
	require.Len(t, emissions, 1)
	require.Equal(t, TopicSleep, emissions[0].Topic)

	sleep, ok := emissions[0].Reading.Payload.(models.SleepPayload)
	require.True(t, ok)
	require.Equal(t, 480, sleep.TotalMins)
	require.Equal(t, 82, sleep.Score)
	require.Equal(t, time.Unix(1756060000, 0).UTC(), sleep.Start)
}
