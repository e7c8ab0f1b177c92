package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/connection"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/parser"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/redis"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/resolver"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/transformer"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker records subscriptions and publishes; inbound traffic is
// injected through the stored handlers.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]connection.MessageHandler
	published []publishedMsg
	onFailure connection.SustainedFailureHandler
	onStop    func()
	started   bool
	stopped   bool
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]connection.MessageHandler)}
}

func (b *fakeBroker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
}

func (b *fakeBroker) Stop() {
	b.mu.Lock()
	hook := b.onStop
	b.stopped = true
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler connection.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBroker) IsHealthy() bool { return true }

func (b *fakeBroker) State() string { return connection.StateConnected }

func (b *fakeBroker) SetSustainedFailureHandler(h connection.SustainedFailureHandler) {
	b.onFailure = h
}

// deliver injects one inbound message as if it came off the wire.
func (b *fakeBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	require.True(t, ok, "no subscription for topic %s", topic)
	handler(topic, payload)
}

func (b *fakeBroker) publishedTo(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, msg := range b.published {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// memReadings is an in-memory ReadingRepositoryInterface.
type memReadings struct {
	mu       sync.Mutex
	readings []models.CanonicalReading
	failSave bool
}

func (r *memReadings) Save(reading *models.CanonicalReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return base.WrapDBError("create", "canonical_readings", os.ErrClosed)
	}
	reading.ID = uint(len(r.readings) + 1)
	r.readings = append(r.readings, *reading)
	return nil
}

func (r *memReadings) ListUnmapped(limit, offset int) ([]models.CanonicalReading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CanonicalReading
	for _, reading := range r.readings {
		if reading.Unmapped {
			out = append(out, reading)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *memReadings) CountByKind() (map[models.ReadingKind]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.ReadingKind]int64)
	for _, reading := range r.readings {
		counts[reading.Kind]++
	}
	return counts, nil
}

func (r *memReadings) all() []models.CanonicalReading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CanonicalReading(nil), r.readings...)
}

// Minimal identity fixtures: the pipeline tests exercise flow, not
// resolution corner cases (those live with the resolver).

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	nextID  uint
}

func newMemDevices() *memDevices {
	return &memDevices{devices: make(map[string]*models.Device), nextID: 1}
}

func (r *memDevices) GetByIdentifier(identifier string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[identifier]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, &base.EntityNotFoundError{Table: "devices", Identifier: identifier}
}

func (r *memDevices) EnsureDevice(identifier string, family models.DeviceFamily) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[identifier]; ok {
		copied := *d
		return &copied, nil
	}
	d := &models.Device{ID: r.nextID, Identifier: identifier, Family: family}
	r.devices[identifier] = d
	r.nextID++
	copied := *d
	return &copied, nil
}

func (r *memDevices) LinkPatient(deviceID, patientID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ID == deviceID {
			pid := patientID
			d.PatientID = &pid
		}
	}
	return nil
}

type memPatients struct {
	mu       sync.Mutex
	patients map[uint]*models.Patient
	nextID   uint
}

func newMemPatients() *memPatients {
	return &memPatients{patients: make(map[uint]*models.Patient), nextID: 1}
}

func (r *memPatients) FindByDeviceIdentifier(identifier string) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.DeviceIdentifier != nil && *p.DeviceIdentifier == identifier {
			copied := *p
			return &copied, nil
		}
	}
	return nil, &base.EntityNotFoundError{Table: "patients", Identifier: identifier}
}

func (r *memPatients) FindByCitizenID(citizenID string) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.CitizenID != nil && *p.CitizenID == citizenID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, &base.EntityNotFoundError{Table: "patients", Identifier: citizenID}
}

func (r *memPatients) CreateUnregistered(patient *models.Patient) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if patient.CitizenID != nil {
		for _, p := range r.patients {
			if p.CitizenID != nil && *p.CitizenID == *patient.CitizenID {
				copied := *p
				return &copied, nil
			}
		}
	}
	p := *patient
	p.ID = r.nextID
	r.patients[p.ID] = &p
	r.nextID++
	copied := p
	return &copied, nil
}

func (r *memPatients) GetByID(id uint) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patients[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, &base.EntityNotFoundError{Table: "patients", Identifier: "id"}
}

type memHospitals struct {
	mu        sync.Mutex
	hospitals map[uint]*models.Hospital
	nextID    uint
}

func newMemHospitals() *memHospitals {
	return &memHospitals{hospitals: make(map[uint]*models.Hospital), nextID: 1}
}

func (r *memHospitals) GetOrCreateByCode(code, name string) (*models.Hospital, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hospitals {
		if h.Code == code {
			copied := *h
			return &copied, nil
		}
	}
	h := &models.Hospital{ID: r.nextID, Code: code, Name: name}
	r.hospitals[h.ID] = h
	r.nextID++
	copied := *h
	return &copied, nil
}

func (r *memHospitals) GetByID(id uint) (*models.Hospital, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hospitals[id]; ok {
		copied := *h
		return &copied, nil
	}
	return nil, &base.EntityNotFoundError{Table: "hospitals", Identifier: "id"}
}

func (r *memHospitals) SaveResourceIDs(hospitalID uint, orgID, locID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hospitals[hospitalID]; ok {
		h.OrgResourceID = orgID
		h.LocResourceID = locID
	}
	return nil
}

type memChain struct {
	mu       sync.Mutex
	lineages map[string][]models.ResourceRevision
}

func newMemChain() *memChain {
	return &memChain{lineages: make(map[string][]models.ResourceRevision)}
}

func (r *memChain) key(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func (r *memChain) Append(rev *models.ResourceRevision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(rev.ResourceType, rev.ResourceID)
	r.lineages[key] = append(r.lineages[key], *rev)
	return nil
}

func (r *memChain) GetLatest(resourceType, resourceID string) (*models.ResourceRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lineage := r.lineages[r.key(resourceType, resourceID)]
	if len(lineage) == 0 {
		return nil, &base.EntityNotFoundError{Table: "resource_chain", Identifier: resourceID}
	}
	copied := lineage[len(lineage)-1]
	return &copied, nil
}

func (r *memChain) GetLineage(resourceType, resourceID string) ([]models.ResourceRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ResourceRevision(nil), r.lineages[r.key(resourceType, resourceID)]...), nil
}

func (r *memChain) Stats() ([]interfaces.ChainStat, error) {
	return nil, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	broker   *fakeBroker
	readings *memReadings
	chain    *memChain
	cache    *redis.RedisClient
	mr       *miniredis.Miniredis
	cfg      *config.Config
}

func newPipelineFixture(t *testing.T, family models.DeviceFamily) *pipelineFixture {
	t.Helper()

	cfg := &config.Config{
		CorrelationWindow:   time.Minute,
		QueueSize:           64,
		SpillThreshold:      50 * time.Millisecond,
		SpillDir:            t.TempDir(),
		DefaultHospitalCode: "MFC-DEFAULT",
	}
	logger := testLogger()

	mr := miniredis.RunT(t)
	cache := redis.NewRedisClientWithAddr(mr.Addr(), time.Hour)
	t.Cleanup(func() { cache.Close() })

	readings := &memReadings{}
	chainRepo := newMemChain()
	hospitals := newMemHospitals()
	identityResolver := resolver.NewResolver(newMemDevices(), newMemPatients(), hospitals, cache, cfg.DefaultHospitalCode, logger)
	chainWriter := transformer.NewChainWriter(chainRepo, logger)
	resourceTransformer := transformer.NewTransformer(chainWriter, hospitals, logger)

	broker := newFakeBroker()

	var p *Pipeline
	var familyParser parser.Parser
	switch family {
	case models.FamilyWatch:
		familyParser = parser.NewWatchParser(cfg.CorrelationWindow, logger, func(em parser.Emission) {
			p.Enqueue(em)
		})
	case models.FamilyHub:
		familyParser = parser.NewHubParser(logger)
	case models.FamilyKiosk:
		familyParser = parser.NewKioskParser(logger)
	}

	p = NewPipeline(cfg, family, broker, familyParser, readings, identityResolver, resourceTransformer, cache, logger)

	return &pipelineFixture{pipeline: p, broker: broker, readings: readings, chain: chainRepo, cache: cache, mr: mr, cfg: cfg}
}

func TestPipeline_HeartbeatFlowsThroughToStoreFanoutAndChain(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyWatch)
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.broker.deliver(t, "watch/hb",
		[]byte(`{"IMEI":"865067123456789","battery":67,"signal":80,"steps":4021,"timestamp":1756100000}`))

	require.Eventually(t, func() bool {
		return len(f.readings.all()) == 1
	}, time.Second, 5*time.Millisecond)

	f.pipeline.Stop()
	require.True(t, f.broker.stopped)

	stored := f.readings.all()[0]
	require.Equal(t, "865067123456789", stored.DeviceIdentifier)
	require.Equal(t, models.KindHeartbeat, stored.Kind)
	require.True(t, stored.Unmapped, "a wearable with no linkage persists unmapped")

	published := f.broker.publishedTo(parser.TopicHeartbeat)
	require.Len(t, published, 1)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(published[0].payload, &flat))
	require.Equal(t, "865067123456789", flat["id"])
	require.Equal(t, string(models.KindHeartbeat), flat["kind"])
	require.Equal(t, 67.0, flat["battery"])

	status, err := f.cache.GetDeviceStatus("865067123456789")
	require.NoError(t, err)
	require.Equal(t, "online", status)

	lineage, err := f.chain.GetLineage(models.ResourceDevice, "dev-865067123456789")
	require.NoError(t, err)
	require.Len(t, lineage, 1)
}

func TestPipeline_MalformedPacketIsDroppedAndFlowContinues(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyWatch)
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.broker.deliver(t, "watch/hb", []byte(`{not json`))
	f.broker.deliver(t, "watch/hb",
		[]byte(`{"IMEI":"865067123456789","battery":50,"signal":70,"timestamp":1756100000}`))

	require.Eventually(t, func() bool {
		return len(f.readings.all()) == 1
	}, time.Second, 5*time.Millisecond)
	f.pipeline.Stop()

	require.Len(t, f.readings.all(), 1, "the malformed packet is dropped, the next one processed")
}

func TestPipeline_KioskReadingResolvesAndBuildsResources(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyKiosk)
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.broker.deliver(t, "kiosk/vitals",
		[]byte(`{"serial":"KSK-0042","citizen_id":"1103700123456","first_name":"Somsri","last_name":"Rakdee","heart_rate":78,"spo2":96,"timestamp":1756100000}`))

	require.Eventually(t, func() bool {
		return len(f.readings.all()) == 1
	}, time.Second, 5*time.Millisecond)
	f.pipeline.Stop()

	stored := f.readings.all()[0]
	require.False(t, stored.Unmapped)
	require.NotNil(t, stored.PatientID)

	obsLineage, err := f.chain.GetLineage(models.ResourceObservation, "obs-vital_sign-KSK-0042")
	require.NoError(t, err)
	require.Len(t, obsLineage, 1)

	patLineage, err := f.chain.GetLineage(models.ResourcePatient, "pat-1103700123456")
	require.NoError(t, err)
	require.Len(t, patLineage, 1)

	orgLineage, err := f.chain.GetLineage(models.ResourceOrganization, "org-mfc-default")
	require.NoError(t, err)
	require.Len(t, orgLineage, 1, "the fallback hospital's resources are created lazily")
}

func TestPipeline_StopDrainsOpenCorrelationWindows(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyWatch)
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.broker.deliver(t, "watch/vitals",
		[]byte(`{"IMEI":"865067123456789","type":"heart_rate","value":72,"timestamp":1756100000}`))

	f.pipeline.Stop()

	stored := f.readings.all()
	require.Len(t, stored, 1, "the buffered partial reading survives shutdown")
	require.Equal(t, models.KindVitalSign, stored[0].Kind)

	vitals, ok := stored[0].Payload.(models.VitalSignPayload)
	require.True(t, ok)
	require.Equal(t, 72.0, *vitals.HeartRate.Value)
	require.True(t, vitals.SpO2.Absent)
}

func TestPipeline_MessageDeliveredDuringDisconnectIsNotLost(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyHub)
	require.NoError(t, f.pipeline.Start(context.Background()))

	// A message can still come off the wire after the worker's final
	// drain, right up until the session actually closes.
	f.broker.onStop = func() {
		f.broker.deliver(t, "hub/status",
			[]byte(`{"mac":"AA:BB:CC:DD:EE:FF","status":"offline","timestamp":1756100000}`))
	}

	f.pipeline.Stop()

	stored := f.readings.all()
	require.Len(t, stored, 1, "a reading delivered mid-disconnect survives shutdown")
	require.Equal(t, models.KindStatus, stored[0].Kind)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", stored[0].DeviceIdentifier)
}

func TestPipeline_SaveFailureSpillsReading(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyWatch)
	f.readings.failSave = true
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.broker.deliver(t, "watch/hb",
		[]byte(`{"IMEI":"865067123456789","battery":67,"signal":80,"timestamp":1756100000}`))

	spillPath := filepath.Join(f.cfg.SpillDir, "watch.jsonl")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(spillPath)
		return err == nil && strings.Contains(string(data), "865067123456789")
	}, time.Second, 5*time.Millisecond)

	f.pipeline.Stop()
}

func TestPipeline_BackpressureEvictsOldestToSpill(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyHub)
	f.cfg.SpillThreshold = 20 * time.Millisecond

	// Rebuild with a single-slot queue and no running worker so the
	// second enqueue must wait out the spill threshold.
	logger := testLogger()
	p := NewPipeline(f.cfg, models.FamilyHub, newFakeBroker(), parser.NewHubParser(logger),
		f.readings, nil, nil, nil, logger)
	p.queue = make(chan parser.Emission, 1)

	readingA := &models.CanonicalReading{DeviceIdentifier: "dev-old", Family: models.FamilyHub, Kind: models.KindStatus}
	readingB := &models.CanonicalReading{DeviceIdentifier: "dev-new", Family: models.FamilyHub, Kind: models.KindStatus}

	p.Enqueue(parser.Emission{Topic: parser.TopicStatus, Reading: readingA})

	done := make(chan struct{})
	go func() {
		p.Enqueue(parser.Emission{Topic: parser.TopicStatus, Reading: readingB})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked enqueue never resolved via eviction")
	}

	data, err := os.ReadFile(filepath.Join(f.cfg.SpillDir, "hub.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "dev-old", "the oldest buffered reading is the one spilled")
	require.NotContains(t, string(data), "dev-new")

	// The newer reading now occupies the queue.
	select {
	case em := <-p.queue:
		require.Equal(t, "dev-new", em.Reading.DeviceIdentifier)
	default:
		t.Fatal("expected the new reading to be queued")
	}
}

func TestPipeline_SustainedFailurePublishesAlert(t *testing.T) {
	f := newPipelineFixture(t, models.FamilyWatch)

	require.NotNil(t, f.broker.onFailure, "the pipeline wires its alert hook at construction")
	f.broker.onFailure(models.FamilyWatch, 5)

	published := f.broker.publishedTo(parser.TopicAlertDefault)
	require.Len(t, published, 1)

	var alert map[string]any
	require.NoError(t, json.Unmarshal(published[0].payload, &alert))
	require.Equal(t, "sustained_connection_failure", alert["event"])
	require.Equal(t, 5.0, alert["attempts"])
}
