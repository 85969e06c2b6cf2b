package domain

type (
	RoomName string
	RoomID   string
)

// Room is a sub-grouping inside a loaded venue. Rooms have no routing
// context of their own; they only partition the venue's members.
type Room struct {
	ID   RoomID   `json:"id"`
	Name RoomName `json:"name"`
}
