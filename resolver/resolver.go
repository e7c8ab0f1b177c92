package resolver

import (
	"fmt"
	"log/slog"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/redis"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
)

// ContextCache caches resolved patient/hospital context per device
// identifier so repeat readings skip the store lookups.
type ContextCache interface {
	GetHospitalContext(identifier string) (*redis.HospitalContext, error)
	SaveHospitalContext(identifier string, hctx *redis.HospitalContext) error
}

// Resolution is the identity context attached to one canonical reading.
type Resolution struct {
	Patient  *models.Patient
	Hospital *models.Hospital
	Unmapped bool
}

// Resolver maps device identifiers to patient and hospital context.
// Telemetry is never discarded: an unresolvable reading is tagged
// unmapped, not dropped.
type Resolver struct {
	devices             interfaces.DeviceRepositoryInterface
	patients            interfaces.PatientRepositoryInterface
	hospitals           interfaces.HospitalRepositoryInterface
	cache               ContextCache
	defaultHospitalCode string
	logger              *slog.Logger
}

func NewResolver(
	devices interfaces.DeviceRepositoryInterface,
	patients interfaces.PatientRepositoryInterface,
	hospitals interfaces.HospitalRepositoryInterface,
	cache ContextCache,
	defaultHospitalCode string,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		devices:             devices,
		patients:            patients,
		hospitals:           hospitals,
		cache:               cache,
		defaultHospitalCode: defaultHospitalCode,
		logger:              logger.With("component", "identity_resolver"),
	}
}

// Resolve attaches patient and hospital context to a reading. Lookup
// order: cached context, patient-held identifier, device-registry
// mapping, embedded-identity auto-provisioning, and finally the
// unmapped tag for families that carry no identity inline.
func (r *Resolver) Resolve(reading *models.CanonicalReading) (*Resolution, error) {
	identifier := reading.DeviceIdentifier

	if r.cache != nil {
		hctx, err := r.cache.GetHospitalContext(identifier)
		if err != nil {
			r.logger.Warn("Context cache read failed",
				"device_id", identifier, "kind", string(reading.Kind), "error", err)
		} else if hctx != nil {
			patient, err := r.patients.GetByID(hctx.PatientID)
			if err == nil {
				return r.attach(reading, patient, false)
			}
			// Stale cache entry; fall through to the full lookup.
		}
	}

	// Step 1: identifier held directly on a patient record.
	patient, err := r.patients.FindByDeviceIdentifier(identifier)
	if err == nil {
		return r.attach(reading, patient, true)
	}
	if !base.IsNotFound(err) {
		return nil, fmt.Errorf("patient lookup for device %s: %w", identifier, err)
	}

	// Step 2: device-registry mapping.
	device, err := r.devices.GetByIdentifier(identifier)
	if err == nil && device.PatientID != nil {
		linked := device.Patient
		if linked == nil {
			linked, err = r.patients.GetByID(*device.PatientID)
			if err != nil {
				return nil, fmt.Errorf("linked patient lookup for device %s: %w", identifier, err)
			}
		}
		return r.attach(reading, linked, true)
	}
	if err != nil && !base.IsNotFound(err) {
		return nil, fmt.Errorf("device registry lookup for %s: %w", identifier, err)
	}

	// Step 3: embedded identity → atomic auto-provisioning.
	if reading.Identity != nil && reading.Identity.CitizenID != "" {
		return r.provision(reading)
	}

	// Step 4: no identity available (wearables). Tag and keep.
	reading.Unmapped = true
	r.logger.Info("Reading left unmapped, no patient linkage found",
		"device_id", identifier, "kind", string(reading.Kind))
	return &Resolution{Unmapped: true}, nil
}

// provision creates an unregistered patient from the payload-embedded
// identity. The insert is unique-constraint-backed: under concurrent
// first contacts exactly one patient row results and every caller ends
// up attached to it.
func (r *Resolver) provision(reading *models.CanonicalReading) (*Resolution, error) {
	identifier := reading.DeviceIdentifier
	identity := reading.Identity

	hospital, err := r.hospitals.GetOrCreateByCode(r.defaultHospitalCode, "Fallback Hospital")
	if err != nil {
		return nil, fmt.Errorf("fallback hospital for device %s: %w", identifier, err)
	}

	citizenID := identity.CitizenID
	patient := &models.Patient{
		CitizenID:          &citizenID,
		FirstName:          identity.FirstName,
		LastName:           identity.LastName,
		BirthDate:          identity.BirthDate,
		Gender:             identity.Gender,
		RegistrationStatus: models.RegistrationUnregistered,
		HospitalID:         &hospital.ID,
		DeviceIdentifier:   &identifier,
	}

	created, err := r.patients.CreateUnregistered(patient)
	if err != nil {
		return nil, fmt.Errorf("auto-provision patient for device %s: %w", identifier, err)
	}

	device, err := r.devices.EnsureDevice(identifier, reading.Family)
	if err != nil {
		return nil, fmt.Errorf("device registration for %s: %w", identifier, err)
	}
	if device.PatientID == nil {
		if err := r.devices.LinkPatient(device.ID, created.ID); err != nil {
			return nil, fmt.Errorf("device-patient link for %s: %w", identifier, err)
		}
	}

	r.logger.Info("Auto-provisioned unregistered patient",
		"device_id", identifier, "kind", string(reading.Kind), "citizen_id", citizenID)

	return r.attach(reading, created, true)
}

// attach finalizes a successful resolution and refreshes the cache.
func (r *Resolver) attach(reading *models.CanonicalReading, patient *models.Patient, refreshCache bool) (*Resolution, error) {
	reading.PatientID = &patient.ID

	var hospital *models.Hospital
	var err error
	if patient.HospitalID != nil {
		hospital, err = r.hospitals.GetByID(*patient.HospitalID)
		if err != nil && !base.IsNotFound(err) {
			return nil, fmt.Errorf("hospital lookup for patient %d: %w", patient.ID, err)
		}
	}
	if hospital == nil {
		hospital, err = r.hospitals.GetOrCreateByCode(r.defaultHospitalCode, "Fallback Hospital")
		if err != nil {
			return nil, fmt.Errorf("fallback hospital: %w", err)
		}
	}

	if refreshCache && r.cache != nil {
		hctx := &redis.HospitalContext{PatientID: patient.ID, HospitalID: &hospital.ID}
		if err := r.cache.SaveHospitalContext(reading.DeviceIdentifier, hctx); err != nil {
			r.logger.Warn("Context cache write failed",
				"device_id", reading.DeviceIdentifier, "kind", string(reading.Kind), "error", err)
		}
	}

	return &Resolution{Patient: patient, Hospital: hospital}, nil
}
