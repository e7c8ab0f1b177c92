package interfaces

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// DeviceRepositoryInterface is the device-registry access contract.
type DeviceRepositoryInterface interface {
	// GetByIdentifier returns the registry row for a device, with the
	// linked patient preloaded when one exists.
	GetByIdentifier(identifier string) (*models.Device, error)

	// EnsureDevice creates the registry row on first contact; the
	// insert is conflict-safe so concurrent first contacts collapse to
	// one row.
	EnsureDevice(identifier string, family models.DeviceFamily) (*models.Device, error)

	// LinkPatient attaches a patient to a device. The identifier stays
	// immutable; only the linkage moves.
	LinkPatient(deviceID uint, patientID uint) error
}
