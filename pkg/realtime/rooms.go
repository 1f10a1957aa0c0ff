package realtime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PersonalRoomType is the room type every connection joins implicitly.
const PersonalRoomType = "user"

const maxRoomPartLength = 128

var (
	// ErrInvalidRoom is returned for room types or ids that cannot form a RoomKey.
	ErrInvalidRoom = errors.New("invalid room")

	roomTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// RoomKey names a room as "{roomType}:{roomId}".
type RoomKey string

// NewRoomKey validates roomType and roomID and joins them.
func NewRoomKey(roomType, roomID string) (RoomKey, error) {
	if len(roomType) > maxRoomPartLength || !roomTypePattern.MatchString(roomType) {
		return "", fmt.Errorf("%w: room type %q", ErrInvalidRoom, roomType)
	}
	if roomID == "" || len(roomID) > maxRoomPartLength || strings.ContainsAny(roomID, " \t\r\n") {
		return "", fmt.Errorf("%w: room id %q", ErrInvalidRoom, roomID)
	}
	return RoomKey(roomType + ":" + roomID), nil
}

// UserRoom returns the personal room of userID.
func UserRoom(userID string) RoomKey {
	return RoomKey(PersonalRoomType + ":" + userID)
}

// ParseRoomKey splits and validates a "{roomType}:{roomId}" string.
func ParseRoomKey(s string) (RoomKey, error) {
	roomType, roomID, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no type separator", ErrInvalidRoom, s)
	}
	return NewRoomKey(roomType, roomID)
}

// Type returns the room type.
func (k RoomKey) Type() string {
	t, _, _ := strings.Cut(string(k), ":")
	return t
}

// ID returns the room id.
func (k RoomKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// Personal reports whether k is a user's implicit room.
func (k RoomKey) Personal() bool {
	return k.Type() == PersonalRoomType
}

func (k RoomKey) String() string { return string(k) }
