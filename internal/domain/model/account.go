package model

import "github.com/google/uuid"

// Device is the per-client registration the delivery pipeline needs:
// identity, registration id for stale-device detection, and the push
// addressing ladder.
type Device struct {
	ID             uint32
	RegistrationID uint32

	// ApnID wins over GcmID when both are set.
	ApnID string
	GcmID string

	// FetchesMessages marks long-poll clients that must never be
	// push-notified.
	FetchesMessages bool

	Enabled bool
}

// Account is the delivery pipeline's view of a recipient. Full
// account CRUD is an external collaborator.
type Account struct {
	UUID    uuid.UUID
	Devices []Device
}

func (a *Account) GetDevice(id uint32) (Device, bool) {
	for _, d := range a.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// EnabledDeviceIDs returns the device set a multi-device submission
// must cover exactly.
func (a *Account) EnabledDeviceIDs() []uint32 {
	ids := make([]uint32, 0, len(a.Devices))
	for _, d := range a.Devices {
		if d.Enabled {
			ids = append(ids, d.ID)
		}
	}
	return ids
}
