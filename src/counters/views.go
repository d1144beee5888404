package counters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"git.handmade.network/hmn/reviewq/src/kv"
)

const (
	dedupTTL   = 25 * time.Hour
	pendingTTL = 72 * time.Hour
)

/*
Counts distinct (viewer, subject) pairs per day, e.g. how many moderators
looked at a reviewable. The first view of the day sets a dedup key; only that
view bumps the pending counter and registers it in the backlog set for the
Reconciler to flush.
*/
type ViewTracker struct {
	Store Store
	Keys  kv.Keys
	Now   func() time.Time
}

func (v *ViewTracker) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Returns whether this view counted. Counter names may not contain colons.
func (v *ViewTracker) Track(ctx context.Context, name string, subjectID, viewerID int64) (bool, error) {
	if strings.Contains(name, ":") {
		return false, fmt.Errorf("counter name %q may not contain ':'", name)
	}

	day := Day(v.now())
	subject := strconv.FormatInt(subjectID, 10)

	fresh, err := v.Store.SetNX(ctx, v.Keys.Key("seen", name, subject, strconv.FormatInt(viewerID, 10), day), dedupTTL)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	p := pendingCounter{Name: name, SubjectID: subjectID, Day: day}
	if _, err := v.Store.Incr(ctx, v.Keys.Key(p.key()), pendingTTL); err != nil {
		return false, err
	}
	if err := v.Store.AddToSet(ctx, v.Keys.Key(backlogSet), p.key()); err != nil {
		return false, err
	}
	return true, nil
}

// Not yet flushed views for today.
func (v *ViewTracker) Pending(ctx context.Context, name string, subjectID int64) (int64, error) {
	p := pendingCounter{Name: name, SubjectID: subjectID, Day: Day(v.now())}
	return v.Store.Get(ctx, v.Keys.Key(p.key()))
}

const backlogSet = "counters:backlog"

type pendingCounter struct {
	Name      string
	SubjectID int64
	Day       string
}

func (p pendingCounter) key() string {
	return strings.Join([]string{"pending", p.Name, strconv.FormatInt(p.SubjectID, 10), p.Day}, ":")
}

func parsePendingCounter(member string) (pendingCounter, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 4 || parts[0] != "pending" {
		return pendingCounter{}, fmt.Errorf("malformed backlog entry %q", member)
	}
	subjectID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return pendingCounter{}, fmt.Errorf("malformed backlog entry %q: %w", member, err)
	}
	if _, err := time.Parse(dayFormat, parts[3]); err != nil {
		return pendingCounter{}, fmt.Errorf("malformed backlog entry %q: %w", member, err)
	}
	return pendingCounter{Name: parts[1], SubjectID: subjectID, Day: parts[3]}, nil
}
