package services

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/transformer"
)

// BridgeService is the read-only operational view consumed by the HTTP
// handlers.
type BridgeService struct {
	pipelines []*Pipeline
	readings  interfaces.ReadingRepositoryInterface
	devices   interfaces.DeviceRepositoryInterface
	chain     *transformer.ChainWriter
}

func NewBridgeService(
	pipelines []*Pipeline,
	readings interfaces.ReadingRepositoryInterface,
	devices interfaces.DeviceRepositoryInterface,
	chain *transformer.ChainWriter,
) *BridgeService {
	return &BridgeService{
		pipelines: pipelines,
		readings:  readings,
		devices:   devices,
		chain:     chain,
	}
}

// FamilyHealth is one pipeline's liveness snapshot.
type FamilyHealth struct {
	Family  models.DeviceFamily `json:"family"`
	State   string              `json:"state"`
	Healthy bool                `json:"healthy"`
}

func (s *BridgeService) Health() []FamilyHealth {
	health := make([]FamilyHealth, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		health = append(health, FamilyHealth{
			Family:  p.Family(),
			State:   p.SessionState(),
			Healthy: p.IsHealthy(),
		})
	}
	return health
}

func (s *BridgeService) VerifyChain(resourceType, resourceID string) (*transformer.VerifyResult, error) {
	return s.chain.Verify(resourceType, resourceID)
}

func (s *BridgeService) ChainStats() ([]interfaces.ChainStat, error) {
	return s.chain.Stats()
}

func (s *BridgeService) UnmappedReadings(limit, offset int) ([]models.CanonicalReading, error) {
	return s.readings.ListUnmapped(limit, offset)
}

func (s *BridgeService) ReadingCounts() (map[models.ReadingKind]int64, error) {
	return s.readings.CountByKind()
}

func (s *BridgeService) GetDevice(identifier string) (*models.Device, error) {
	return s.devices.GetByIdentifier(identifier)
}
