package ws

import "strconv"

// RoomKey names the broadcast scope shared by exactly two participants.
type RoomKey string

// NewRoomKey derives the key for a pair of users. The order of a and b does not matter.
func NewRoomKey(a, b int) RoomKey {
	if a > b {
		a, b = b, a
	}
	return RoomKey(strconv.Itoa(a) + "_" + strconv.Itoa(b))
}
