package repositories

import (
	"errors"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRepository implements the device registry over gorm.
type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) interfaces.DeviceRepositoryInterface {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) GetByIdentifier(identifier string) (*models.Device, error) {
	var device models.Device
	err := r.db.Preload("Patient").Where("identifier = ?", identifier).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "devices", Identifier: identifier}
		}
		return nil, base.WrapDBError("get", "devices", err)
	}
	return &device, nil
}

func (r *DeviceRepository) EnsureDevice(identifier string, family models.DeviceFamily) (*models.Device, error) {
	device := models.Device{Identifier: identifier, Family: family}

	// Conflict-safe insert: a concurrent first contact loses the race
	// and falls through to the re-read of the winner's row.
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		DoNothing: true,
	}).Create(&device).Error
	if err != nil && !base.IsDuplicate(err) {
		return nil, base.WrapDBError("create", "devices", err)
	}

	return r.GetByIdentifier(identifier)
}

func (r *DeviceRepository) LinkPatient(deviceID uint, patientID uint) error {
	err := r.db.Model(&models.Device{}).
		Where("id = ?", deviceID).
		Update("patient_id", patientID).Error
	if err != nil {
		return base.WrapDBError("update", "devices", err)
	}
	return nil
}
