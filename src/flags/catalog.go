package flags

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
)

var (
	ErrNotFound     = errors.New("flag not found")
	ErrDuplicateID  = errors.New("a flag with that id is already registered")
	ErrDuplicateKey = errors.New("a flag with that key is already registered")
	ErrSystemFlag   = errors.New("system flags cannot be changed or removed")
	ErrFlagInUse    = errors.New("flag has been used and cannot be removed")
)

type Kind int

const (
	KindOffTopic Kind = iota + 1
	KindInappropriate
	KindNotifyUser
	KindNotifyModerators
	KindSpam
	KindNeedsApproval
	KindIllegal
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindOffTopic:
		return "off_topic"
	case KindInappropriate:
		return "inappropriate"
	case KindNotifyUser:
		return "notify_user"
	case KindNotifyModerators:
		return "notify_moderators"
	case KindSpam:
		return "spam"
	case KindNeedsApproval:
		return "needs_approval"
	case KindIllegal:
		return "illegal"
	case KindCustom:
		return "custom"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Capability uint8

const (
	// Can be applied to a whole topic, not just one post.
	TopicType Capability = 1 << iota
	// Sends the flag to moderators.
	NotifyType
	// Counts toward auto-hiding the flagged content.
	AutoActionType
	// Requires the flagger to write a message.
	CustomType
)

type Attributes struct {
	Kind           Kind
	Name           string
	Description    string
	AppliesTo      []models.TargetKind
	Position       int
	Enabled        bool
	RequireMessage bool

	// Score types (needs_approval) never show up as something a user can
	// pick; the system records them when it queues content on its own.
	ScoreType  bool
	ScoreBonus float64

	Capabilities Capability
}

type Descriptor struct {
	ID  int
	Key string
	Attributes
}

func (d Descriptor) System() bool {
	return d.ID < models.MaxSystemFlagID
}

func (d Descriptor) Has(c Capability) bool {
	return d.Capabilities&c == c
}

func (d Descriptor) AppliesToKind(kind models.TargetKind) bool {
	return slices.Contains(d.AppliesTo, kind)
}

// Answers whether any score row references a flag id.
type UsageChecker interface {
	FlagUsed(ctx context.Context, flagID int) (bool, error)
}

/*
The registry of flag kinds. One Catalog is built at startup (see LoadCatalog)
and handed to everything that needs to resolve flags. Lookups are safe for
concurrent use.

The derived sets (PublicKinds, NotifyKinds and so on) are computed on first
use and cached until Invalidate is called. Register, Deregister, and Reload
invalidate on their own.
*/
type Catalog struct {
	usage UsageChecker

	mu      sync.RWMutex
	byID    map[int]*Descriptor
	byKey   map[string]*Descriptor
	derived *derivedSets
}

type derivedSets struct {
	public     []Descriptor
	topic      []Descriptor
	notify     []Descriptor
	autoAction []Descriptor
	custom     []Descriptor
	score      []Descriptor
	enabled    []Descriptor
}

// A nil usage checker treats every flag as unused.
func NewCatalog(usage UsageChecker) *Catalog {
	return &Catalog{
		usage: usage,
		byID:  make(map[int]*Descriptor),
		byKey: make(map[string]*Descriptor),
	}
}

// A catalog holding only the built-in flags.
func NewDefaultCatalog(usage UsageChecker) *Catalog {
	c := NewCatalog(usage)
	for _, d := range SystemFlags() {
		if err := c.Register(d.ID, d.Key, d.Attributes); err != nil {
			panic(err)
		}
	}
	return c
}

func (c *Catalog) Register(id int, key string, attrs Attributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[id]; exists {
		return ErrDuplicateID
	}
	if _, exists := c.byKey[key]; exists {
		return ErrDuplicateKey
	}

	d := &Descriptor{ID: id, Key: key, Attributes: attrs}
	d.AppliesTo = slices.Clone(attrs.AppliesTo)
	c.byID[id] = d
	c.byKey[key] = d
	c.invalidateLocked()
	return nil
}

/*
Removes a flag from the catalog. System flags and flags with recorded scores
stay put; historical score rows must keep resolving.
*/
func (c *Catalog) Deregister(ctx context.Context, key string) error {
	d, err := c.Lookup(key)
	if err != nil {
		return err
	}
	if d.System() {
		return ErrSystemFlag
	}
	if c.usage != nil {
		used, err := c.usage.FlagUsed(ctx, d.ID)
		if err != nil {
			return oops.New(err, "failed to check whether flag %s is used", key)
		}
		if used {
			return ErrFlagInUse
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, d.ID)
	delete(c.byKey, d.Key)
	c.invalidateLocked()
	return nil
}

/*
Replaces the whole catalog with the system flags overlaid by the given rows.
Rows for system ids override the mutable settings of the built-in flag
(enabled, position, bonus, description). Other rows become custom flags.
*/
func (c *Catalog) Reload(rows []*models.Flag) {
	byID := make(map[int]*Descriptor)
	byKey := make(map[string]*Descriptor)
	for _, sys := range SystemFlags() {
		d := sys
		byID[d.ID] = &d
		byKey[d.Key] = &d
	}

	for _, row := range rows {
		if existing, ok := byID[row.ID]; ok && existing.System() {
			existing.Enabled = row.Enabled
			existing.Position = row.Position
			existing.ScoreBonus = row.ScoreBonus
			if row.Description != "" {
				existing.Description = row.Description
			}
			continue
		}
		d := DescriptorFromRow(row)
		byID[d.ID] = &d
		byKey[d.Key] = &d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = byID
	c.byKey = byKey
	c.invalidateLocked()
}

func (c *Catalog) Lookup(key string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byKey[key]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return copyDescriptor(d), nil
}

func (c *Catalog) LookupID(id int) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return copyDescriptor(d), nil
}

// Drops the derived sets. They are rebuilt on next access.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Catalog) invalidateLocked() {
	c.derived = nil
}

// Every user-selectable flag, enabled or not, ordered by position.
func (c *Catalog) PublicKinds() []Descriptor { return c.sets().public }

func (c *Catalog) TopicKinds() []Descriptor { return c.sets().topic }

func (c *Catalog) NotifyKinds() []Descriptor { return c.sets().notify }

func (c *Catalog) AutoActionKinds() []Descriptor { return c.sets().autoAction }

func (c *Catalog) CustomKinds() []Descriptor { return c.sets().custom }

// Everything that can back a reviewable score: the public flags plus the
// system-only score types.
func (c *Catalog) ScoreKinds() []Descriptor { return c.sets().score }

func (c *Catalog) EnabledKinds() []Descriptor { return c.sets().enabled }

// The enabled flags a user may pick for the given target kind.
func (c *Catalog) AvailableFor(kind models.TargetKind) []Descriptor {
	var res []Descriptor
	for _, d := range c.sets().enabled {
		if !d.ScoreType && d.AppliesToKind(kind) {
			res = append(res, d)
		}
	}
	return res
}

func (c *Catalog) sets() *derivedSets {
	c.mu.RLock()
	sets := c.derived
	c.mu.RUnlock()
	if sets != nil {
		return sets
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.derived != nil {
		return c.derived
	}

	all := make([]Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		all = append(all, copyDescriptor(d))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Position != all[j].Position {
			return all[i].Position < all[j].Position
		}
		return all[i].ID < all[j].ID
	})

	sets = &derivedSets{}
	for _, d := range all {
		if !d.ScoreType {
			sets.public = append(sets.public, d)
		}
		if d.Has(TopicType) {
			sets.topic = append(sets.topic, d)
		}
		if d.Has(NotifyType) {
			sets.notify = append(sets.notify, d)
		}
		if d.Has(AutoActionType) {
			sets.autoAction = append(sets.autoAction, d)
		}
		if d.Has(CustomType) {
			sets.custom = append(sets.custom, d)
		}
		sets.score = append(sets.score, d)
		if d.Enabled {
			sets.enabled = append(sets.enabled, d)
		}
	}
	c.derived = sets
	return sets
}

func copyDescriptor(d *Descriptor) Descriptor {
	res := *d
	res.AppliesTo = slices.Clone(d.AppliesTo)
	return res
}

// Builds a descriptor from a flags table row.
func DescriptorFromRow(row *models.Flag) Descriptor {
	var caps Capability
	if row.TopicType {
		caps |= TopicType
	}
	if row.NotifyType {
		caps |= NotifyType
	}
	if row.AutoActionType {
		caps |= AutoActionType
	}
	if row.CustomType {
		caps |= CustomType
	}

	kind := KindCustom
	if row.ID < models.MaxSystemFlagID {
		if k, ok := systemKinds[row.NameKey]; ok {
			kind = k
		}
	}

	var appliesTo []models.TargetKind
	for _, s := range row.AppliesTo {
		if k, err := models.ParseTargetKind(s); err == nil {
			appliesTo = append(appliesTo, k)
		}
	}

	return Descriptor{
		ID:  row.ID,
		Key: row.NameKey,
		Attributes: Attributes{
			Kind:           kind,
			Name:           row.Name,
			Description:    row.Description,
			AppliesTo:      appliesTo,
			Position:       row.Position,
			Enabled:        row.Enabled,
			RequireMessage: row.RequireMessage,
			ScoreType:      row.ScoreType,
			ScoreBonus:     row.ScoreBonus,
			Capabilities:   caps,
		},
	}
}

// The inverse of DescriptorFromRow.
func RowFromDescriptor(d Descriptor) *models.Flag {
	appliesTo := make([]string, len(d.AppliesTo))
	for i, k := range d.AppliesTo {
		appliesTo[i] = string(k)
	}
	return &models.Flag{
		ID:             d.ID,
		Name:           d.Name,
		NameKey:        d.Key,
		Description:    d.Description,
		AppliesTo:      appliesTo,
		Position:       d.Position,
		Enabled:        d.Enabled,
		RequireMessage: d.RequireMessage,
		ScoreType:      d.ScoreType,
		AutoActionType: d.Has(AutoActionType),
		NotifyType:     d.Has(NotifyType),
		CustomType:     d.Has(CustomType),
		TopicType:      d.Has(TopicType),
		ScoreBonus:     d.ScoreBonus,
	}
}
