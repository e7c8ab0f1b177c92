package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/connection"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/parser"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/redis"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/resolver"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/transformer"
)

// Broker is the session surface the pipeline consumes; satisfied by
// connection.Manager.
type Broker interface {
	Start(ctx context.Context)
	Stop()
	Subscribe(topic string, qos byte, handler connection.MessageHandler) error
	Publish(topic string, payload []byte, qos byte) error
	IsHealthy() bool
	State() string
	SetSustainedFailureHandler(h connection.SustainedFailureHandler)
}

// Pipeline is one device family's independent processing unit: broker
// session → parse/correlate → resolve → persist → fan-out → transform.
// Families share only the store and the cache; a stall here never
// blocks another family.
type Pipeline struct {
	family      models.DeviceFamily
	broker      Broker
	parser      parser.Parser
	readings    interfaces.ReadingRepositoryInterface
	resolver    *resolver.Resolver
	transformer *transformer.Transformer
	cache       *redis.RedisClient

	queue          chan parser.Emission
	spill          *spillWriter
	spillThreshold time.Duration

	logger   *slog.Logger
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPipeline(
	cfg *config.Config,
	family models.DeviceFamily,
	broker Broker,
	familyParser parser.Parser,
	readings interfaces.ReadingRepositoryInterface,
	identityResolver *resolver.Resolver,
	resourceTransformer *transformer.Transformer,
	cache *redis.RedisClient,
	logger *slog.Logger,
) *Pipeline {
	p := &Pipeline{
		family:         family,
		broker:         broker,
		parser:         familyParser,
		readings:       readings,
		resolver:       identityResolver,
		transformer:    resourceTransformer,
		cache:          cache,
		queue:          make(chan parser.Emission, cfg.QueueSize),
		spill:          newSpillWriter(cfg.SpillDir, family),
		spillThreshold: cfg.SpillThreshold,
		logger:         logger.With("component", "pipeline", "family", string(family)),
	}
	p.stopCh = make(chan struct{})
	broker.SetSustainedFailureHandler(p.onSustainedFailure)
	return p
}

func (p *Pipeline) Family() models.DeviceFamily {
	return p.family
}

func (p *Pipeline) IsHealthy() bool {
	return p.broker.IsHealthy()
}

func (p *Pipeline) SessionState() string {
	return p.broker.State()
}

// Enqueue feeds an emission into the bounded queue. Used as the
// correlation-flush sink and by the broker message handler.
func (p *Pipeline) Enqueue(em parser.Emission) {
	select {
	case p.queue <- em:
		return
	default:
	}

	// Queue full: block here, which pauses broker consumption for this
	// family. Past the spill threshold the oldest buffered reading is
	// spilled to local disk before eviction; that eviction is the only
	// sanctioned class of loss and is logged as a data-loss event.
	timer := time.NewTimer(p.spillThreshold)
	defer timer.Stop()
	for {
		select {
		case p.queue <- em:
			return
		case <-timer.C:
			select {
			case oldest := <-p.queue:
				if err := p.spill.Write(oldest.Reading); err != nil {
					p.logger.Error("Failed to spill evicted reading",
						"device_id", oldest.Reading.DeviceIdentifier,
						"kind", string(oldest.Reading.Kind), "error", err)
				}
				p.logger.Error("Data-loss event: evicted oldest buffered reading after spill",
					"device_id", oldest.Reading.DeviceIdentifier,
					"kind", string(oldest.Reading.Kind))
			default:
			}
			timer.Reset(p.spillThreshold)
		case <-p.stopCh:
			if err := p.spill.Write(em.Reading); err != nil {
				p.logger.Error("Failed to spill reading during shutdown",
					"device_id", em.Reading.DeviceIdentifier,
					"kind", string(em.Reading.Kind), "error", err)
			}
			return
		}
	}
}

// Start connects the session, subscribes the family's inbound topics
// and launches the worker loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.broker.Start(ctx)

	for _, topic := range p.parser.InboundTopics() {
		if err := p.broker.Subscribe(topic, 1, p.handleMessage); err != nil {
			return fmt.Errorf("subscribe %s for family %s: %w", topic, p.family, err)
		}
	}

	p.wg.Add(1)
	go p.worker()

	p.logger.Info("Pipeline started", "topics", len(p.parser.InboundTopics()))
	return nil
}

// Stop drains the unit cleanly: in-flight correlation buffers are
// force-flushed with absent markers, the queue is drained, and only
// then is the session closed. No reading in flight is discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		for _, em := range p.parser.Flush() {
			p.process(em)
		}

		p.wg.Wait()
		p.broker.Stop()

		// The session can hand the parser one last message between the
		// worker's final drain and the disconnect; anything that landed
		// in the queue after the worker exited is picked up here.
		p.drainQueue()

		if err := p.spill.Close(); err != nil {
			p.logger.Error("Failed to close spill file", "error", err)
		}
		p.logger.Info("Pipeline stopped")
	})
}

// drainQueue empties whatever is still buffered once the session is
// closed and no worker is running.
func (p *Pipeline) drainQueue() {
	for {
		select {
		case em := <-p.queue:
			p.process(em)
		default:
			return
		}
	}
}

func (p *Pipeline) handleMessage(topic string, payload []byte) {
	emissions, err := p.parser.Parse(topic, payload)
	if err != nil {
		// A malformed packet is dropped; the listener keeps going.
		p.logger.Error("Dropping malformed packet", "topic", topic, "error", err)
		return
	}
	for _, em := range emissions {
		p.Enqueue(em)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case em := <-p.queue:
			p.process(em)
		case <-p.stopCh:
			for {
				select {
				case em := <-p.queue:
					p.process(em)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(em parser.Emission) {
	reading := em.Reading

	res, err := p.resolver.Resolve(reading)
	if err != nil {
		// The reading outlives a resolution failure: persist it
		// unmapped and keep going.
		p.logger.Error("Identity resolution failed, persisting unmapped",
			"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", err)
		reading.Unmapped = true
		res = &resolver.Resolution{Unmapped: true}
	}

	if err := p.readings.Save(reading); err != nil {
		p.logger.Error("Failed to persist canonical reading, spilling",
			"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", err)
		if spillErr := p.spill.Write(reading); spillErr != nil {
			p.logger.Error("Failed to spill unpersisted reading",
				"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", spillErr)
		}
		return
	}

	p.fanout(em)
	p.trackStatus(reading)

	if err := p.transformer.Transform(reading, res); err != nil {
		// Hard error for this resource write; the canonical reading is
		// persisted so the transform can be replayed later.
		p.logger.Error("Resource transform failed",
			"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", err)
	}
}

// fanout republishes the canonical reading for live dashboards and
// alerting as a flat JSON object.
func (p *Pipeline) fanout(em parser.Emission) {
	payload, err := fanoutPayload(em.Reading)
	if err != nil {
		p.logger.Error("Failed to encode fan-out payload",
			"device_id", em.Reading.DeviceIdentifier, "kind", string(em.Reading.Kind), "error", err)
		return
	}
	if err := p.broker.Publish(em.Topic, payload, 1); err != nil {
		p.logger.Error("Failed to publish canonical reading",
			"device_id", em.Reading.DeviceIdentifier, "kind", string(em.Reading.Kind),
			"topic", em.Topic, "error", err)
	}
}

func (p *Pipeline) trackStatus(reading *models.CanonicalReading) {
	if p.cache == nil {
		return
	}

	var status string
	switch reading.Kind {
	case models.KindStatus:
		status = "offline"
		if sp, ok := reading.Payload.(models.StatusPayload); ok && sp.Online {
			status = "online"
		}
	case models.KindHeartbeat:
		status = "online"
	default:
		return
	}

	if err := p.cache.SaveDeviceStatus(reading.DeviceIdentifier, status); err != nil {
		p.logger.Warn("Failed to cache device status",
			"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", err)
	}
}

func (p *Pipeline) onSustainedFailure(family models.DeviceFamily, attempts int) {
	p.logger.Error("Sustained broker connection failure",
		"family", string(family), "attempts", attempts)

	alert := map[string]any{
		"event":    "sustained_connection_failure",
		"family":   family,
		"attempts": attempts,
		"at":       time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	// Best effort: the broker is likely the thing that is down.
	if err := p.broker.Publish(parser.TopicAlertDefault, payload, 1); err != nil {
		p.logger.Warn("Could not publish sustained-failure alert", "error", err)
	}
}

// fanoutPayload flattens a reading into the canonical outbound shape:
// identifier plus decoded values, with location as a sub-object.
func fanoutPayload(reading *models.CanonicalReading) ([]byte, error) {
	fields := make(map[string]any)

	if reading.Kind == models.KindLocation {
		fields["location"] = reading.Payload
	} else {
		data, err := json.Marshal(reading.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}

	fields["id"] = reading.DeviceIdentifier
	fields["kind"] = reading.Kind
	fields["captured_at"] = reading.CapturedAt.UTC().Format(time.RFC3339)

	return json.Marshal(fields)
}
