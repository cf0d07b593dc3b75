package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

//go:generate stringer -type=EnvelopeType
type EnvelopeType int32

const (
	Unknown            EnvelopeType = 0
	Ciphertext         EnvelopeType = 1
	KeyExchange        EnvelopeType = 2
	PrekeyBundle       EnvelopeType = 3
	Receipt            EnvelopeType = 5
	UnidentifiedSender EnvelopeType = 6
)

// Envelope is the opaque unit of delivery: the server routes and
// stores it but never inspects the payload.
//
// Guid and ServerTimestamp are assigned exactly once, when the sender
// first accepts the message. SourceUUID is absent for sealed-sender
// envelopes.
type Envelope struct {
	Guid            uuid.UUID    `json:"guid"`
	Type            EnvelopeType `json:"type"`
	Timestamp       int64        `json:"timestamp"`
	ServerTimestamp int64        `json:"serverTimestamp"`

	SourceUUID   *uuid.UUID `json:"sourceUuid,omitempty"`
	SourceDevice uint32     `json:"sourceDevice,omitempty"`

	DestinationUUID   uuid.UUID `json:"destinationUuid"`
	DestinationDevice uint32    `json:"destinationDevice"`

	Content []byte `json:"content,omitempty"`
}

// Marshal produces the wire form stored in the device queue.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: marshal: %w", e.Guid, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes a stored envelope. A decode failure is a
// fatal corruption: callers log, drop, and never retry.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: corrupt serialized form: %w", err)
	}
	return &e, nil
}

// AccountDevice addresses one device queue.
type AccountDevice struct {
	Account uuid.UUID
	Device  uint32
}

func (ad AccountDevice) String() string {
	return fmt.Sprintf("%s::%d", ad.Account, ad.Device)
}
