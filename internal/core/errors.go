package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by store lookups for unknown ids or names.
	ErrNotFound = errors.New("not found")

	ErrAlreadyLoaded = errors.New("venue already loaded")
	ErrNotLoaded     = errors.New("no venue with that id is loaded")

	ErrNotInVenue        = errors.New("must be in a venue")
	ErrNoTransport       = errors.New("no transport")
	ErrNoRTPCapabilities = errors.New("rtp capabilities not set")
	ErrTransportSet      = errors.New("transport for that direction already exists")
	ErrAlreadyClosed     = errors.New("already closed")

	ErrRoomNameTaken = errors.New("a room with that name already exists in the venue")
	ErrNoSuchRoom    = errors.New("no room with that id in the venue")
	ErrNotInRoom     = errors.New("not a member of any room")
)

// DomainError is a failure the remote peer reported explicitly
// (wasSuccess:false on the wire), as opposed to a transport failure.
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("peer reported failure: %s", e.Message)
}
