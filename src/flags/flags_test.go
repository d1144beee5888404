package flags

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	flags  map[int]*models.Flag
	nextID int
	used   map[int]bool
}

func newMemStore() *memStore {
	s := &memStore{
		flags:  map[int]*models.Flag{},
		nextID: models.FirstCustomFlagID,
		used:   map[int]bool{},
	}
	for _, d := range SystemFlags() {
		s.flags[d.ID] = RowFromDescriptor(d)
	}
	return s
}

func (s *memStore) ListFlags(ctx context.Context) ([]*models.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*models.Flag
	for _, f := range s.flags {
		copied := *f
		res = append(res, &copied)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Position != res[j].Position {
			return res[i].Position < res[j].Position
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (s *memStore) GetFlag(ctx context.Context, id int) (*models.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[id]
	if !ok {
		return nil, db.NotFound
	}
	copied := *f
	return &copied, nil
}

func (s *memStore) InsertFlag(ctx context.Context, f *models.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = s.nextID
	s.nextID++
	maxPos := -1
	for _, existing := range s.flags {
		maxPos = max(maxPos, existing.Position)
	}
	f.Position = maxPos + 1
	copied := *f
	s.flags[f.ID] = &copied
	return nil
}

func (s *memStore) UpdateFlag(ctx context.Context, f *models.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.flags[f.ID]
	if !ok {
		return db.NotFound
	}
	copied := *f
	copied.Position = existing.Position
	copied.Enabled = existing.Enabled
	s.flags[f.ID] = &copied
	return nil
}

func (s *memStore) SetEnabled(ctx context.Context, id int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[id]
	if !ok {
		return db.NotFound
	}
	f.Enabled = enabled
	return nil
}

func (s *memStore) SwapPositions(ctx context.Context, a, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fa, okA := s.flags[a]
	fb, okB := s.flags[b]
	if !okA || !okB {
		return db.NotFound
	}
	fa.Position, fb.Position = fb.Position, fa.Position
	return nil
}

func (s *memStore) DeleteFlag(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, id)
	return nil
}

func (s *memStore) NameTaken(ctx context.Context, name, nameKey string, exceptID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.flags {
		if id != exceptID && (strings.EqualFold(f.Name, name) || f.NameKey == nameKey) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FlagUsed(ctx context.Context, flagID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[flagID], nil
}

var staff = &models.User{ID: 1, Username: "mod", Staff: true, TrustLevel: 4}

func newManager(t *testing.T) (*Manager, *memStore, *auditlog.MemorySink) {
	store := newMemStore()
	catalog, err := LoadCatalog(context.Background(), store)
	require.Nil(t, err)
	sink := &auditlog.MemorySink{}
	return &Manager{Store: store, Catalog: catalog, Audit: sink}, store, sink
}

func keys(ds []Descriptor) []string {
	res := make([]string, len(ds))
	for i, d := range ds {
		res[i] = d.Key
	}
	return res
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog(nil)
	require.Nil(t, c.Register(1001, "custom_rude", Attributes{Kind: KindCustom, Name: "Rude", Enabled: true, Capabilities: NotifyType}))

	assert.ErrorIs(t, c.Register(1001, "custom_other", Attributes{}), ErrDuplicateID)
	assert.ErrorIs(t, c.Register(1002, "custom_rude", Attributes{}), ErrDuplicateKey)

	d, err := c.Lookup("custom_rude")
	require.Nil(t, err)
	assert.Equal(t, 1001, d.ID)
	assert.False(t, d.System())
	assert.True(t, d.Has(NotifyType))
	assert.False(t, d.Has(NotifyType|AutoActionType))

	_, err = c.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.LookupID(77)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogDerivedSets(t *testing.T) {
	c := NewDefaultCatalog(nil)

	assert.Equal(t,
		[]string{"notify_user", "off_topic", "inappropriate", "spam", "illegal", "notify_moderators"},
		keys(c.PublicKinds()),
	)
	assert.Equal(t, []string{"inappropriate", "spam", "illegal", "notify_moderators"}, keys(c.TopicKinds()))
	assert.Equal(t, []string{"off_topic", "inappropriate", "spam"}, keys(c.AutoActionKinds()))
	assert.Equal(t, []string{"off_topic", "inappropriate", "spam", "illegal", "notify_moderators"}, keys(c.NotifyKinds()))
	assert.Equal(t, []string{"notify_user", "illegal", "notify_moderators"}, keys(c.CustomKinds()))
	assert.Len(t, c.ScoreKinds(), 7)
	assert.Equal(t, []string{"inappropriate", "spam", "illegal", "notify_moderators"}, keys(c.AvailableFor(models.TargetUser)))

	t.Run("register invalidates", func(t *testing.T) {
		require.Nil(t, c.Register(1001, "custom_ai_slop", Attributes{
			Kind: KindCustom, Enabled: true, Position: 10, AppliesTo: []models.TargetKind{models.TargetPost},
			Capabilities: NotifyType | AutoActionType,
		}))
		assert.Equal(t, []string{"off_topic", "inappropriate", "spam", "custom_ai_slop"}, keys(c.AutoActionKinds()))
	})
	t.Run("returned descriptors are copies", func(t *testing.T) {
		kinds := c.PublicKinds()
		kinds[0].AppliesTo[0] = models.TargetQueuedPost
		d, err := c.Lookup(kinds[0].Key)
		require.Nil(t, err)
		assert.Equal(t, models.TargetPost, d.AppliesTo[0])
	})
}

func TestCatalogDeregister(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewDefaultCatalog(store)
	require.Nil(t, c.Register(1001, "custom_a", Attributes{Kind: KindCustom}))
	require.Nil(t, c.Register(1002, "custom_b", Attributes{Kind: KindCustom}))
	store.used[1002] = true

	assert.ErrorIs(t, c.Deregister(ctx, "spam"), ErrSystemFlag)
	assert.ErrorIs(t, c.Deregister(ctx, "custom_b"), ErrFlagInUse)
	assert.ErrorIs(t, c.Deregister(ctx, "custom_zzz"), ErrNotFound)

	require.Nil(t, c.Deregister(ctx, "custom_a"))
	_, err := c.Lookup("custom_a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.LookupID(1002)
	assert.Nil(t, err)
}

func TestCatalogReload(t *testing.T) {
	rows := []*models.Flag{
		{ID: IDSpam, NameKey: "spam", Enabled: false, Position: 9, ScoreBonus: 1.5},
		{ID: 1001, Name: "AI slop", NameKey: "custom_ai_slop", AppliesTo: []string{"Post", "Bogus"}, Enabled: true, Position: 7, NotifyType: true},
	}
	c := NewDefaultCatalog(nil)
	c.Reload(rows)

	spam, err := c.Lookup("spam")
	require.Nil(t, err)
	assert.False(t, spam.Enabled)
	assert.Equal(t, 1.5, spam.ScoreBonus)
	assert.Equal(t, KindSpam, spam.Kind)
	assert.True(t, spam.Has(AutoActionType))

	custom, err := c.LookupID(1001)
	require.Nil(t, err)
	assert.Equal(t, KindCustom, custom.Kind)
	assert.Equal(t, []models.TargetKind{models.TargetPost}, custom.AppliesTo)
	assert.NotContains(t, keys(c.EnabledKinds()), "spam")
}

func TestNameKey(t *testing.T) {
	assert.Equal(t, "custom_posting_ai_slop", NameKey("Posting  AI slop!", false))
	assert.Equal(t, "custom_its_rude", NameKey("It's rude", false))
	assert.Equal(t, "off_topic", NameKey("off topic", true))
	assert.Equal(t, NameKey("Same Name", false), NameKey("Same Name", false))
}

func TestManagerCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and audits", func(t *testing.T) {
		m, _, sink := newManager(t)
		d, err := m.Create(ctx, staff, CustomFlag{
			Name:       "  Low effort  ",
			AppliesTo:  []models.TargetKind{models.TargetPost, models.TargetPost},
			AutoAction: true,
		})
		require.Nil(t, err)
		assert.Equal(t, models.FirstCustomFlagID, d.ID)
		assert.Equal(t, "custom_low_effort", d.Key)
		assert.Equal(t, "Low effort", d.Name)
		assert.Equal(t, []models.TargetKind{models.TargetPost}, d.AppliesTo)
		assert.True(t, d.Enabled)
		assert.True(t, d.Has(NotifyType|AutoActionType))
		assert.False(t, d.Has(CustomType))
		assert.Equal(t, 7, d.Position)

		found, err := m.Catalog.Lookup("custom_low_effort")
		require.Nil(t, err)
		assert.Equal(t, d.ID, found.ID)
		assert.Equal(t, []string{auditlog.ActionCreateFlag}, sink.Actions())
	})
	t.Run("validation", func(t *testing.T) {
		m, _, sink := newManager(t)
		_, err := m.Create(ctx, staff, CustomFlag{
			Name:        "It's spam",
			Description: strings.Repeat("x", MaxDescriptionLength+1),
		})
		var verrs *validation.Errors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"name", "description", "applies_to"}, verrs.Fields())
		assert.Equal(t, []string{"has already been taken"}, verrs.On("name"))

		_, err = m.Create(ctx, staff, CustomFlag{
			Name:      strings.Repeat("n", MaxNameLength+1),
			AppliesTo: []models.TargetKind{"Topic"},
		})
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"is too long (maximum is 200 characters)"}, verrs.On("name"))
		assert.Equal(t, []string{`"Topic" is not a valid target`}, verrs.On("applies_to"))

		_, err = m.Create(ctx, staff, CustomFlag{Name: " ", AppliesTo: []models.TargetKind{models.TargetUser}})
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"can't be blank"}, verrs.On("name"))

		assert.Empty(t, sink.Actions())
	})
	t.Run("names that share a key", func(t *testing.T) {
		m, _, _ := newManager(t)
		first, err := m.Create(ctx, staff, CustomFlag{Name: "Low effort", AppliesTo: []models.TargetKind{models.TargetPost}})
		require.Nil(t, err)

		_, err = m.Create(ctx, staff, CustomFlag{Name: "Low_effort", AppliesTo: []models.TargetKind{models.TargetPost}})
		var verrs *validation.Errors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"has already been taken"}, verrs.On("name"))

		found, err := m.Catalog.Lookup("custom_low_effort")
		require.Nil(t, err)
		assert.Equal(t, first.ID, found.ID)
	})
	t.Run("staff only", func(t *testing.T) {
		m, _, _ := newManager(t)
		_, err := m.Create(ctx, &models.User{ID: 2, TrustLevel: 4}, CustomFlag{Name: "x", AppliesTo: []models.TargetKind{models.TargetPost}})
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestManagerUpdate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	d, err := m.Create(ctx, staff, CustomFlag{Name: "Rude", AppliesTo: []models.TargetKind{models.TargetPost}})
	require.Nil(t, err)

	updated, err := m.Update(ctx, staff, d.ID, CustomFlag{
		Name:           "Very rude",
		AppliesTo:      []models.TargetKind{models.TargetPost, models.TargetUser},
		RequireMessage: true,
	})
	require.Nil(t, err)
	assert.Equal(t, "custom_very_rude", updated.Key)
	assert.True(t, updated.Has(CustomType))
	assert.Equal(t, d.Position, updated.Position)

	_, err = m.Catalog.Lookup("custom_rude")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Update(ctx, staff, d.ID, CustomFlag{Name: "Very rude", AppliesTo: []models.TargetKind{models.TargetPost}})
	assert.Nil(t, err, "keeping its own name is not a conflict")

	_, err = m.Update(ctx, staff, IDSpam, CustomFlag{Name: "Spammy", AppliesTo: []models.TargetKind{models.TargetPost}})
	assert.ErrorIs(t, err, ErrSystemFlag)

	_, err = m.Update(ctx, staff, 4242, CustomFlag{Name: "Ghost", AppliesTo: []models.TargetKind{models.TargetPost}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerToggleAndReorder(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newManager(t)

	require.Nil(t, m.SetEnabled(ctx, staff, IDOffTopic, false))
	assert.NotContains(t, keys(m.Catalog.EnabledKinds()), "off_topic")
	assert.ErrorIs(t, m.SetEnabled(ctx, staff, 4242, true), ErrNotFound)

	require.Nil(t, m.Reorder(ctx, staff, IDSpam, Up))
	assert.Equal(t,
		[]string{"notify_user", "off_topic", "spam", "inappropriate", "illegal", "notify_moderators"},
		keys(m.Catalog.PublicKinds()),
	)
	assert.ErrorIs(t, m.Reorder(ctx, staff, IDNotifyUser, Up), ErrInvalidMove)
	assert.ErrorIs(t, m.Reorder(ctx, staff, IDNotifyModerators, Down), ErrInvalidMove)

	assert.Equal(t, []string{auditlog.ActionToggleFlag, auditlog.ActionReorderFlag}, sink.Actions())
}

func TestManagerDestroy(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)

	unused, err := m.Create(ctx, staff, CustomFlag{Name: "Unused", AppliesTo: []models.TargetKind{models.TargetPost}})
	require.Nil(t, err)
	used, err := m.Create(ctx, staff, CustomFlag{Name: "Used", AppliesTo: []models.TargetKind{models.TargetPost}})
	require.Nil(t, err)
	store.used[used.ID] = true

	assert.ErrorIs(t, m.Destroy(ctx, staff, IDSpam), ErrSystemFlag)
	assert.ErrorIs(t, m.Destroy(ctx, staff, used.ID), ErrFlagInUse)

	require.Nil(t, m.Destroy(ctx, staff, unused.ID))
	_, err = m.Catalog.LookupID(unused.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetFlag(ctx, unused.ID)
	assert.ErrorIs(t, err, db.NotFound)
}
