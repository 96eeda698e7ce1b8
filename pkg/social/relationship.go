// Copyright 2024-2026 Aiku AI

package social

import "fmt"

// RelationshipAction is one of the account relationship changes a user can
// request from chat.
type RelationshipAction int

const (
	ActionFollow RelationshipAction = iota + 1
	ActionUnfollow
	ActionMute
	ActionUnmute
	ActionBlock
	ActionUnblock
)

type actionInfo struct {
	name string
	// endpoint is the path segment under /api/v1/accounts/:id/.
	endpoint string
	done     string
}

var relationshipActions = map[RelationshipAction]actionInfo{
	ActionFollow:   {"follow", "follow", "User followed"},
	ActionUnfollow: {"unfollow", "unfollow", "User unfollowed"},
	ActionMute:     {"mute", "mute", "User muted"},
	ActionUnmute:   {"unmute", "unmute", "User unmuted"},
	ActionBlock:    {"block", "block", "User blocked"},
	ActionUnblock:  {"unblock", "unblock", "User unblocked"},
}

func (a RelationshipAction) String() string {
	if info, ok := relationshipActions[a]; ok {
		return info.name
	}
	return fmt.Sprintf("RelationshipAction(%d)", int(a))
}

// Confirmation is the text shown to the user after the action succeeded.
func (a RelationshipAction) Confirmation() string {
	return relationshipActions[a].done
}

func (a RelationshipAction) endpoint() (string, error) {
	info, ok := relationshipActions[a]
	if !ok {
		return "", fmt.Errorf("unknown relationship action %d", int(a))
	}
	return info.endpoint, nil
}
