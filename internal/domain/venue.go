package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxVenueNameLen = 64
)

var (
	ErrVenueNameEmpty   = errors.New("venue name empty")
	ErrVenueNameTooLong = errors.New("venue name too long")
)

type VenueID string

// VenueRecord is the persisted shape of a venue. The runtime state
// (members, routing context) lives in core and is never stored.
type VenueRecord struct {
	ID        VenueID         `json:"id"`
	Name      string          `json:"name"`
	OwnerID   UserID          `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

func NewVenueRecord(name string, owner UserID) (*VenueRecord, error) {
	if len(name) == 0 {
		return nil, ErrVenueNameEmpty
	}
	if len(name) > MaxVenueNameLen {
		return nil, ErrVenueNameTooLong
	}
	return &VenueRecord{
		ID:        VenueID(uuid.NewString()),
		Name:      name,
		OwnerID:   owner,
		CreatedAt: time.Now(),
	}, nil
}
