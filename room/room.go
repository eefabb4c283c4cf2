// Package room derives the room keys both participants of a conversation
// agree on without negotiation.
package room

import (
	"errors"
	"fmt"
	"sort"
)

// PublicChannel is the channel id of the public lobby.
const PublicChannel = "public"

// PublicRoom is the room key of the public lobby.
const PublicRoom = "group_1"

// ErrNoRoom is returned when neither a group nor a friend identifies a room.
var ErrNoRoom = errors.New("no room for conversation")

// Key returns the room key for a conversation.
//
// Group rooms key on the group id. Direct rooms key on the sorted pair of
// user ids, so both participants derive the same key regardless of which
// one is self.
func Key(channelID, groupID, friendID, selfID string) (string, error) {
	switch {
	case channelID == PublicChannel:
		return PublicRoom, nil
	case groupID != "":
		return GroupKey(groupID), nil
	case friendID != "":
		if selfID == "" {
			return "", fmt.Errorf("%w: self id required for direct room", ErrNoRoom)
		}
		return DirectKey(friendID, selfID), nil
	default:
		return "", ErrNoRoom
	}
}

// GroupKey returns the room key of a group.
func GroupKey(groupID string) string {
	return "group_" + groupID
}

// DirectKey returns the room key shared by two users.
func DirectKey(a, b string) string {
	users := []string{a, b}
	sort.Strings(users)
	return fmt.Sprintf("user%s_user%s", users[0], users[1])
}

// UserRoom returns the personal room of one user. The relay delivers
// targeted events such as incoming calls to this room.
func UserRoom(userID string) string {
	return "user_" + userID
}
