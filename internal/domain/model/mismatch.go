package model

import "fmt"

// MismatchedDevicesError reports a device-set mismatch on a
// multi-device submission. No inserts happen when it is returned.
type MismatchedDevicesError struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("mismatched devices: missing=%v extra=%v", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError reports registration-id mismatches: the client
// holds sessions for devices that re-registered since.
type StaleDevicesError struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("stale devices: %v", e.StaleDevices)
}
