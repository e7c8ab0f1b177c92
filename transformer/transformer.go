package transformer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/resolver"
)

// LOINC vocabulary for the observation components.
const (
	loincSystem = "http://loinc.org"

	loincHeartRate = "8867-4"
	loincSpO2      = "2708-6"
	loincBodyTemp  = "8310-5"
	loincBPPanel   = "35094-2"
	loincSystolic  = "8480-6"
	loincDiastolic = "8462-4"
	loincGlucose   = "2339-0"
	loincWeight    = "29463-7"
	loincSleep     = "93832-4"
	loincGeoLoc    = "86711-2"
)

// Transformer turns canonical readings plus resolved identity into
// standardized resources and extends their hash chains.
type Transformer struct {
	chain     *ChainWriter
	hospitals interfaces.HospitalRepositoryInterface
	logger    *slog.Logger
}

func NewTransformer(chain *ChainWriter, hospitals interfaces.HospitalRepositoryInterface, logger *slog.Logger) *Transformer {
	return &Transformer{
		chain:     chain,
		hospitals: hospitals,
		logger:    logger.With("component", "transformer"),
	}
}

// Chain exposes the underlying writer for read-only introspection.
func (t *Transformer) Chain() *ChainWriter {
	return t.chain
}

// Transform maps one reading to its standardized resource shape and
// appends it to the resource's chain.
func (t *Transformer) Transform(reading *models.CanonicalReading, res *resolver.Resolution) error {
	orgRef, _, err := t.ensureHospitalResources(res.Hospital)
	if err != nil {
		return err
	}
	if res.Patient != nil {
		if err := t.ensurePatientResource(res.Patient, orgRef); err != nil {
			return err
		}
	}

	subject := patientRef(res.Patient)
	device := deviceRef(reading.DeviceIdentifier)

	switch reading.Kind {
	case models.KindVitalSign:
		vitals, err := vitalsPayload(reading.Payload)
		if err != nil {
			return err
		}
		return t.appendObservation(reading, subject, device, orgRef, vitalComponents(vitals))

	case models.KindVitalBatch:
		batch, err := batchPayload(reading.Payload)
		if err != nil {
			return err
		}
		for _, v := range batch.Readings {
			if err := t.appendObservation(reading, subject, device, orgRef, vitalComponents(&v)); err != nil {
				return err
			}
		}
		return nil

	case models.KindSleep:
		sleep, err := sleepPayload(reading.Payload)
		if err != nil {
			return err
		}
		mins := float64(sleep.TotalMins)
		components := []models.ObservationComponent{{
			Code:  models.Coding{System: loincSystem, Code: loincSleep, Display: "Sleep duration"},
			Value: &models.Quantity{Value: mins, Unit: "min", Code: "min"},
		}}
		return t.appendObservation(reading, subject, device, orgRef, components)

	case models.KindLocation:
		loc, err := locationPayload(reading.Payload)
		if err != nil {
			return err
		}
		var components []models.ObservationComponent
		if loc.GPS != nil {
			components = append(components,
				models.ObservationComponent{
					Code:  models.Coding{System: loincSystem, Code: loincGeoLoc, Display: "Latitude"},
					Value: &models.Quantity{Value: loc.GPS.Latitude, Unit: "deg"},
				},
				models.ObservationComponent{
					Code:  models.Coding{System: loincSystem, Code: loincGeoLoc, Display: "Longitude"},
					Value: &models.Quantity{Value: loc.GPS.Longitude, Unit: "deg"},
				})
		}
		return t.appendObservation(reading, subject, device, orgRef, components)

	case models.KindHeartbeat:
		hb, err := heartbeatPayload(reading.Payload)
		if err != nil {
			return err
		}
		return t.appendDevice(reading, subject, "active", &hb.Battery, &hb.Signal)

	case models.KindStatus:
		status, err := statusPayload(reading.Payload)
		if err != nil {
			return err
		}
		deviceStatus := "inactive"
		if status.Online {
			deviceStatus = "active"
		}
		return t.appendDevice(reading, subject, deviceStatus, nil, nil)

	case models.KindEmergency, models.KindFall, models.KindAlert:
		event, err := eventPayload(reading.Payload)
		if err != nil {
			return err
		}
		flag := models.FlagResource{
			ResourceType: models.ResourceFlag,
			Status:       "active",
			Code:         models.Coding{System: "urn:telemetry:event", Code: event.Status, Display: event.Status},
			Subject:      subject,
			Device:       device,
			RaisedAt:     reading.CapturedAt,
		}
		resourceID := "flag-" + reading.DeviceIdentifier
		_, err = t.chain.Append(models.ResourceFlag, resourceID, flag)
		return err

	default:
		return fmt.Errorf("no resource mapping for reading kind %q", reading.Kind)
	}
}

func (t *Transformer) appendObservation(reading *models.CanonicalReading, subject, device, performer *models.Reference, components []models.ObservationComponent) error {
	obs := models.ObservationResource{
		ResourceType:  models.ResourceObservation,
		Status:        "final",
		Code:          observationCode(reading.Kind),
		Subject:       subject,
		Device:        device,
		Performer:     performer,
		EffectiveTime: reading.CapturedAt,
		Components:    components,
	}
	resourceID := fmt.Sprintf("obs-%s-%s", reading.Kind, reading.DeviceIdentifier)
	_, err := t.chain.Append(models.ResourceObservation, resourceID, obs)
	return err
}

func (t *Transformer) appendDevice(reading *models.CanonicalReading, patient *models.Reference, status string, battery, signal *int) error {
	dev := models.DeviceResource{
		ResourceType: models.ResourceDevice,
		Identifier:   reading.DeviceIdentifier,
		Family:       string(reading.Family),
		Status:       status,
		Battery:      battery,
		Signal:       signal,
		Patient:      patient,
	}
	resourceID := "dev-" + reading.DeviceIdentifier
	_, err := t.chain.Append(models.ResourceDevice, resourceID, dev)
	return err
}

// ensureHospitalResources lazily creates the hospital's organization
// and location resources on first use. Resource IDs are derived from
// the hospital code, so a crash between the chain write and the
// bookkeeping update stays idempotent.
func (t *Transformer) ensureHospitalResources(hospital *models.Hospital) (orgRef, locRef *models.Reference, err error) {
	if hospital == nil {
		return nil, nil, nil
	}

	orgID := hospital.OrgResourceID
	locID := hospital.LocResourceID
	if orgID == "" || locID == "" {
		orgID = "org-" + strings.ToLower(hospital.Code)
		locID = "loc-" + strings.ToLower(hospital.Code)

		if head, err := t.chain.Latest(models.ResourceOrganization, orgID); err != nil {
			return nil, nil, err
		} else if head == nil {
			org := models.OrganizationResource{
				ResourceType: models.ResourceOrganization,
				Identifier:   hospital.Code,
				Name:         hospital.Name,
			}
			if _, err := t.chain.Append(models.ResourceOrganization, orgID, org); err != nil {
				return nil, nil, err
			}
		}

		if head, err := t.chain.Latest(models.ResourceLocation, locID); err != nil {
			return nil, nil, err
		} else if head == nil {
			loc := models.LocationResource{
				ResourceType: models.ResourceLocation,
				Identifier:   hospital.Code,
				Name:         hospital.Name,
				Organization: &models.Reference{Reference: "Organization/" + orgID},
			}
			if _, err := t.chain.Append(models.ResourceLocation, locID, loc); err != nil {
				return nil, nil, err
			}
		}

		if err := t.hospitals.SaveResourceIDs(hospital.ID, orgID, locID); err != nil {
			return nil, nil, err
		}
		hospital.OrgResourceID = orgID
		hospital.LocResourceID = locID
	}

	return &models.Reference{Reference: "Organization/" + orgID, Display: hospital.Name},
		&models.Reference{Reference: "Location/" + locID, Display: hospital.Name}, nil
}

// ensurePatientResource appends a patient revision only when the
// standardized content actually changed, keeping the lineage an edit
// history rather than a per-reading log.
func (t *Transformer) ensurePatientResource(patient *models.Patient, orgRef *models.Reference) error {
	identifier := fmt.Sprintf("pat-%d", patient.ID)
	if patient.CitizenID != nil && *patient.CitizenID != "" {
		identifier = "pat-" + *patient.CitizenID
	}

	resource := models.PatientResource{
		ResourceType: models.ResourcePatient,
		Identifier:   identifier,
		FirstName:    patient.FirstName,
		LastName:     patient.LastName,
		BirthDate:    patient.BirthDate,
		Gender:       patient.Gender,
		Registration: patient.RegistrationStatus,
		Organization: orgRef,
	}

	serialized, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("serialize patient resource %s: %w", identifier, err)
	}

	head, err := t.chain.Latest(models.ResourcePatient, identifier)
	if err != nil {
		return err
	}
	if head != nil && head.Content == string(serialized) {
		return nil
	}

	_, err = t.chain.Append(models.ResourcePatient, identifier, resource)
	return err
}

func observationCode(kind models.ReadingKind) models.Coding {
	switch kind {
	case models.KindSleep:
		return models.Coding{System: loincSystem, Code: loincSleep, Display: "Sleep duration"}
	case models.KindLocation:
		return models.Coding{System: loincSystem, Code: loincGeoLoc, Display: "Geographic location"}
	default:
		return models.Coding{System: loincSystem, Code: loincBPPanel, Display: "Vital signs panel"}
	}
}

// vitalComponents emits one component per attribute. Absent attributes
// stay visible as explicitly-marked components, never dropped.
func vitalComponents(v *models.VitalSignPayload) []models.ObservationComponent {
	components := make([]models.ObservationComponent, 0, 7)

	hr := models.ObservationComponent{Code: models.Coding{System: loincSystem, Code: loincHeartRate, Display: "Heart rate"}}
	if v.HeartRate.Absent || v.HeartRate.Value == nil {
		hr.Absent = true
	} else {
		hr.Value = &models.Quantity{Value: *v.HeartRate.Value, Unit: "beats/minute", Code: "/min"}
	}
	components = append(components, hr)

	if v.BloodPressure.Absent || (v.BloodPressure.Systolic == nil && v.BloodPressure.Diastolic == nil) {
		components = append(components, models.ObservationComponent{
			Code:   models.Coding{System: loincSystem, Code: loincBPPanel, Display: "Blood pressure panel"},
			Absent: true,
		})
	} else {
		if v.BloodPressure.Systolic != nil {
			components = append(components, models.ObservationComponent{
				Code:  models.Coding{System: loincSystem, Code: loincSystolic, Display: "Systolic blood pressure"},
				Value: &models.Quantity{Value: *v.BloodPressure.Systolic, Unit: "mmHg", Code: "mm[Hg]"},
			})
		}
		if v.BloodPressure.Diastolic != nil {
			components = append(components, models.ObservationComponent{
				Code:  models.Coding{System: loincSystem, Code: loincDiastolic, Display: "Diastolic blood pressure"},
				Value: &models.Quantity{Value: *v.BloodPressure.Diastolic, Unit: "mmHg", Code: "mm[Hg]"},
			})
		}
	}

	spo2 := models.ObservationComponent{Code: models.Coding{System: loincSystem, Code: loincSpO2, Display: "Oxygen saturation"}}
	if v.SpO2.Absent || v.SpO2.Value == nil {
		spo2.Absent = true
	} else {
		spo2.Value = &models.Quantity{Value: *v.SpO2.Value, Unit: "%", Code: "%"}
	}
	components = append(components, spo2)

	temp := models.ObservationComponent{Code: models.Coding{System: loincSystem, Code: loincBodyTemp, Display: "Body temperature"}}
	if v.BodyTemp.Absent || v.BodyTemp.Value == nil {
		temp.Absent = true
	} else {
		temp.Value = &models.Quantity{Value: *v.BodyTemp.Value, Unit: "degree Celsius", Code: "Cel"}
	}
	components = append(components, temp)

	// Glucose and weight exist only on hub sub-device readings; a
	// zero-valued field means the family never measures the attribute
	// and emits no component at all.
	if v.Glucose.Absent || v.Glucose.Value != nil {
		g := models.ObservationComponent{Code: models.Coding{System: loincSystem, Code: loincGlucose, Display: "Glucose"}}
		if v.Glucose.Value == nil {
			g.Absent = true
		} else {
			g.Value = &models.Quantity{Value: *v.Glucose.Value, Unit: "mg/dL", Code: "mg/dL"}
		}
		components = append(components, g)
	}
	if v.Weight.Absent || v.Weight.Value != nil {
		w := models.ObservationComponent{Code: models.Coding{System: loincSystem, Code: loincWeight, Display: "Body weight"}}
		if v.Weight.Value == nil {
			w.Absent = true
		} else {
			w.Value = &models.Quantity{Value: *v.Weight.Value, Unit: "kg", Code: "kg"}
		}
		components = append(components, w)
	}

	return components
}

func patientRef(patient *models.Patient) *models.Reference {
	if patient == nil {
		return nil
	}
	display := strings.TrimSpace(patient.FirstName + " " + patient.LastName)
	return &models.Reference{Reference: fmt.Sprintf("Patient/%d", patient.ID), Display: display}
}

func deviceRef(identifier string) *models.Reference {
	return &models.Reference{Reference: "Device/dev-" + identifier}
}

// Payload coercion helpers. Readings fresh off the parser carry typed
// payloads; readings replayed from the store carry decoded JSON maps.

func vitalsPayload(payload any) (*models.VitalSignPayload, error) {
	if v, ok := payload.(models.VitalSignPayload); ok {
		return &v, nil
	}
	var v models.VitalSignPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("vital-sign payload: %w", err)
	}
	return &v, nil
}

func batchPayload(payload any) (*models.VitalBatchPayload, error) {
	if v, ok := payload.(models.VitalBatchPayload); ok {
		return &v, nil
	}
	var v models.VitalBatchPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("vital-batch payload: %w", err)
	}
	return &v, nil
}

func sleepPayload(payload any) (*models.SleepPayload, error) {
	if v, ok := payload.(models.SleepPayload); ok {
		return &v, nil
	}
	var v models.SleepPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("sleep payload: %w", err)
	}
	return &v, nil
}

func locationPayload(payload any) (*models.LocationPayload, error) {
	if v, ok := payload.(models.LocationPayload); ok {
		return &v, nil
	}
	var v models.LocationPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("location payload: %w", err)
	}
	return &v, nil
}

func heartbeatPayload(payload any) (*models.HeartbeatPayload, error) {
	if v, ok := payload.(models.HeartbeatPayload); ok {
		return &v, nil
	}
	var v models.HeartbeatPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("heartbeat payload: %w", err)
	}
	return &v, nil
}

func statusPayload(payload any) (*models.StatusPayload, error) {
	if v, ok := payload.(models.StatusPayload); ok {
		return &v, nil
	}
	var v models.StatusPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("status payload: %w", err)
	}
	return &v, nil
}

func eventPayload(payload any) (*models.EventPayload, error) {
	if v, ok := payload.(models.EventPayload); ok {
		return &v, nil
	}
	var v models.EventPayload
	if err := remarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("event payload: %w", err)
	}
	return &v, nil
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
