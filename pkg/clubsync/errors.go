// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"errors"

	"github.com/aiku/clubsync/pkg/groupref"
)

var (
	// ErrUnauthenticated means no user identity is available.
	ErrUnauthenticated = errors.New("no user identity available")

	// ErrGroupNotFound means an explicit lookup found no group on any relay.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotMapped means the club id has no group mapping.
	ErrNotMapped = errors.New("club is not mapped to a group")
)

// Result is returned by join and leave. Failures other than a missing
// identity are reported here rather than as a Go error.
type Result struct {
	Success bool             `json:"success"`
	ClubID  string           `json:"club_id,omitempty"`
	Group   groupref.GroupID `json:"group"`
	Err     error            `json:"-"`
}

// Error returns the failure message, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func failed(clubID string, group groupref.GroupID, err error) Result {
	return Result{ClubID: clubID, Group: group, Err: err}
}
