package repositories

import (
	"errors"
	"fmt"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PatientRepository implements patient access over gorm.
type PatientRepository struct {
	db *gorm.DB
}

func NewPatientRepository(db *gorm.DB) interfaces.PatientRepositoryInterface {
	return &PatientRepository{db: db}
}

func (r *PatientRepository) FindByDeviceIdentifier(identifier string) (*models.Patient, error) {
	var patient models.Patient
	err := r.db.Where("device_identifier = ?", identifier).First(&patient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "patients", Identifier: identifier}
		}
		return nil, base.WrapDBError("get", "patients", err)
	}
	return &patient, nil
}

func (r *PatientRepository) FindByCitizenID(citizenID string) (*models.Patient, error) {
	var patient models.Patient
	err := r.db.Where("citizen_id = ?", citizenID).First(&patient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "patients", Identifier: citizenID}
		}
		return nil, base.WrapDBError("get", "patients", err)
	}
	return &patient, nil
}

func (r *PatientRepository) CreateUnregistered(patient *models.Patient) (*models.Patient, error) {
	if patient.CitizenID == nil || *patient.CitizenID == "" {
		return nil, fmt.Errorf("cannot auto-provision a patient without a citizen ID")
	}
	patient.RegistrationStatus = models.RegistrationUnregistered

	// Unique-constraint-backed insert, not check-then-insert: under a
	// concurrent first contact exactly one row is created and the loser
	// attaches to the winner's record via the re-read below.
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "citizen_id"}},
		DoNothing: true,
	}).Create(patient).Error
	if err != nil && !base.IsDuplicate(err) {
		return nil, base.WrapDBError("create", "patients", err)
	}

	return r.FindByCitizenID(*patient.CitizenID)
}

func (r *PatientRepository) GetByID(id uint) (*models.Patient, error) {
	var patient models.Patient
	err := r.db.First(&patient, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "patients", Identifier: fmt.Sprintf("id=%d", id)}
		}
		return nil, base.WrapDBError("get", "patients", err)
	}
	return &patient, nil
}

// HospitalRepository implements hospital access over gorm.
type HospitalRepository struct {
	db *gorm.DB
}

func NewHospitalRepository(db *gorm.DB) interfaces.HospitalRepositoryInterface {
	return &HospitalRepository{db: db}
}

func (r *HospitalRepository) GetOrCreateByCode(code, name string) (*models.Hospital, error) {
	hospital := models.Hospital{Code: code, Name: name}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoNothing: true,
	}).Create(&hospital).Error
	if err != nil && !base.IsDuplicate(err) {
		return nil, base.WrapDBError("create", "hospitals", err)
	}

	var found models.Hospital
	if err := r.db.Where("code = ?", code).First(&found).Error; err != nil {
		return nil, base.WrapDBError("get", "hospitals", err)
	}
	return &found, nil
}

func (r *HospitalRepository) GetByID(id uint) (*models.Hospital, error) {
	var hospital models.Hospital
	err := r.db.First(&hospital, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "hospitals", Identifier: fmt.Sprintf("id=%d", id)}
		}
		return nil, base.WrapDBError("get", "hospitals", err)
	}
	return &hospital, nil
}

func (r *HospitalRepository) SaveResourceIDs(hospitalID uint, orgResourceID, locResourceID string) error {
	err := r.db.Model(&models.Hospital{}).
		Where("id = ?", hospitalID).
		Updates(map[string]interface{}{
			"org_resource_id": orgResourceID,
			"loc_resource_id": locResourceID,
		}).Error
	if err != nil {
		return base.WrapDBError("update", "hospitals", err)
	}
	return nil
}
