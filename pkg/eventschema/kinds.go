// Copyright 2024-2026 Aiku AI

// Package eventschema validates and builds the group events clubsync
// publishes.
//
// Every kind clubsync emits has a [Rule] describing its required and
// optional tags and the shape its content must have. [Validate] checks an
// event against its rule and reports every problem at once; [Build]
// constructs an event from [Params] and refuses to return one that does
// not validate.
package eventschema

import "github.com/aiku/clubsync/pkg/groupref"

const (
	KindGroupMessage        = 9
	KindGroupMembership     = 9000
	KindGroupMetadataUpdate = 9002
	KindGroupModeration     = 9005
	KindJoinRequest         = 9021
	KindMembershipList      = 30001
	KindGroupCreate         = groupref.KindGroup
	KindLegacyCommunity     = groupref.KindLegacyCommunity
)

// DefaultListName is the d-tag of the per-user membership list.
const DefaultListName = "groups"

// KindName returns a short human name for logs.
func KindName(kind int) string {
	switch kind {
	case KindGroupMessage:
		return "message"
	case KindGroupMembership:
		return "membership"
	case KindGroupMetadataUpdate:
		return "metadata-update"
	case KindGroupModeration:
		return "moderation"
	case KindJoinRequest:
		return "join-request"
	case KindMembershipList:
		return "membership-list"
	case KindGroupCreate:
		return "group-create"
	case KindLegacyCommunity:
		return "legacy-community"
	default:
		return "unknown"
	}
}
