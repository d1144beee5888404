package models

import (
	"fmt"
)

// The kinds of thing a reviewable, a flag, or a score can point at.
type TargetKind string

const (
	TargetPost       TargetKind = "Post"
	TargetUser       TargetKind = "User"
	TargetQueuedPost TargetKind = "QueuedPost"
)

var TargetKinds = []TargetKind{TargetPost, TargetUser, TargetQueuedPost}

func ParseTargetKind(s string) (TargetKind, error) {
	for _, k := range TargetKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown target kind %q", s)
}

// A reference to the flagged or queued thing, stored as target_type +
// target_id.
type Target struct {
	Kind TargetKind
	ID   int64
}

func (t Target) String() string {
	return fmt.Sprintf("%s#%d", t.Kind, t.ID)
}
