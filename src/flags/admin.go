package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/validation"
)

const (
	MaxNameLength        = 200
	MaxDescriptionLength = 1000
)

var (
	ErrForbidden   = errors.New("only staff can manage flags")
	ErrInvalidMove = errors.New("flag cannot move further in that direction")
)

type Direction int

const (
	Up Direction = iota
	Down
)

// What an admin can set on a custom flag.
type CustomFlag struct {
	Name           string
	Description    string
	AppliesTo      []models.TargetKind
	RequireMessage bool
	AutoAction     bool
	ScoreBonus     float64
}

/*
Custom flag management. Every change is written to the store first, then the
catalog is reloaded from the store so the two never drift, then the change is
audited.
*/
type Manager struct {
	Store   Store
	Catalog *Catalog
	Audit   auditlog.Sink
}

func (m *Manager) Create(ctx context.Context, actor *models.User, in CustomFlag) (Descriptor, error) {
	if !actor.Staff {
		return Descriptor{}, ErrForbidden
	}
	in = normalize(in)
	if err := m.validate(ctx, in, 0); err != nil {
		return Descriptor{}, err
	}

	row := customRow(in)
	row.Enabled = true
	if err := m.Store.InsertFlag(ctx, row); err != nil {
		return Descriptor{}, nameTakenError(err)
	}
	if err := m.reload(ctx); err != nil {
		return Descriptor{}, err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionCreateFlag,
		ActingUserID: actor.ID,
		SubjectType:  "Flag",
		SubjectID:    int64(row.ID),
		Details:      map[string]any{"name": row.Name, "name_key": row.NameKey},
	})
	return m.Catalog.LookupID(row.ID)
}

func (m *Manager) Update(ctx context.Context, actor *models.User, id int, in CustomFlag) (Descriptor, error) {
	if !actor.Staff {
		return Descriptor{}, ErrForbidden
	}
	existing, err := m.get(ctx, id)
	if err != nil {
		return Descriptor{}, err
	}
	if existing.ID < models.MaxSystemFlagID {
		return Descriptor{}, ErrSystemFlag
	}

	in = normalize(in)
	if err := m.validate(ctx, in, id); err != nil {
		return Descriptor{}, err
	}

	row := customRow(in)
	row.ID = id
	if err := m.Store.UpdateFlag(ctx, row); err != nil {
		return Descriptor{}, nameTakenError(err)
	}
	if err := m.reload(ctx); err != nil {
		return Descriptor{}, err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionUpdateFlag,
		ActingUserID: actor.ID,
		SubjectType:  "Flag",
		SubjectID:    int64(id),
		Details: map[string]any{
			"previous_name": existing.Name,
			"name":          row.Name,
		},
	})
	return m.Catalog.LookupID(id)
}

// Works for system flags too; disabling is how a built-in flag is retired.
func (m *Manager) SetEnabled(ctx context.Context, actor *models.User, id int, enabled bool) error {
	if !actor.Staff {
		return ErrForbidden
	}
	if err := m.Store.SetEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, db.NotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := m.reload(ctx); err != nil {
		return err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionToggleFlag,
		ActingUserID: actor.ID,
		SubjectType:  "Flag",
		SubjectID:    int64(id),
		Details:      map[string]any{"enabled": enabled},
	})
	return nil
}

// Swaps the flag's position with its neighbour in display order.
func (m *Manager) Reorder(ctx context.Context, actor *models.User, id int, dir Direction) error {
	if !actor.Staff {
		return ErrForbidden
	}

	ordered := m.Catalog.PublicKinds()
	idx := -1
	for i, d := range ordered {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	neighbour := idx - 1
	if dir == Down {
		neighbour = idx + 1
	}
	if neighbour < 0 || neighbour >= len(ordered) {
		return ErrInvalidMove
	}

	if err := m.Store.SwapPositions(ctx, id, ordered[neighbour].ID); err != nil {
		return err
	}
	if err := m.reload(ctx); err != nil {
		return err
	}

	direction := "up"
	if dir == Down {
		direction = "down"
	}
	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionReorderFlag,
		ActingUserID: actor.ID,
		SubjectType:  "Flag",
		SubjectID:    int64(id),
		Details:      map[string]any{"direction": direction},
	})
	return nil
}

// Fails with ErrSystemFlag or ErrFlagInUse; disable those instead.
func (m *Manager) Destroy(ctx context.Context, actor *models.User, id int) error {
	if !actor.Staff {
		return ErrForbidden
	}
	d, err := m.Catalog.LookupID(id)
	if err != nil {
		return err
	}
	if err := m.Catalog.Deregister(ctx, d.Key); err != nil {
		return err
	}
	if err := m.Store.DeleteFlag(ctx, id); err != nil {
		if reloadErr := m.reload(ctx); reloadErr != nil {
			logging.ExtractLogger(ctx).Error().Err(reloadErr).Msg("failed to reload flag catalog after failed delete")
		}
		return err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionDestroyFlag,
		ActingUserID: actor.ID,
		SubjectType:  "Flag",
		SubjectID:    int64(id),
		Details:      map[string]any{"name": d.Name, "name_key": d.Key},
	})
	return nil
}

func (m *Manager) get(ctx context.Context, id int) (*models.Flag, error) {
	f, err := m.Store.GetFlag(ctx, id)
	if errors.Is(err, db.NotFound) {
		return nil, ErrNotFound
	}
	return f, err
}

func (m *Manager) reload(ctx context.Context) error {
	rows, err := m.Store.ListFlags(ctx)
	if err != nil {
		return oops.New(err, "failed to reload flag catalog")
	}
	m.Catalog.Reload(rows)
	return nil
}

func (m *Manager) validate(ctx context.Context, in CustomFlag, exceptID int) error {
	var errs validation.Errors

	if in.Name == "" {
		errs.Add("name", "can't be blank")
	} else if utf8.RuneCountInString(in.Name) > MaxNameLength {
		errs.Add("name", fmt.Sprintf("is too long (maximum is %d characters)", MaxNameLength))
	} else {
		taken, err := m.Store.NameTaken(ctx, in.Name, NameKey(in.Name, false), exceptID)
		if err != nil {
			return err
		}
		if taken {
			errs.Add("name", "has already been taken")
		}
	}

	if utf8.RuneCountInString(in.Description) > MaxDescriptionLength {
		errs.Add("description", fmt.Sprintf("is too long (maximum is %d characters)", MaxDescriptionLength))
	}

	if len(in.AppliesTo) == 0 {
		errs.Add("applies_to", "can't be blank")
	}
	for _, kind := range in.AppliesTo {
		if _, err := models.ParseTargetKind(string(kind)); err != nil {
			errs.Add("applies_to", fmt.Sprintf("%q is not a valid target", kind))
		}
	}

	return errs.Err()
}

// A concurrent create can still win the unique index after validation
// passed.
func nameTakenError(err error) error {
	if db.IsUniqueViolation(err, "flags_name") || db.IsUniqueViolation(err, "flags_name_key") {
		var errs validation.Errors
		errs.Add("name", "has already been taken")
		return errs.Err()
	}
	return err
}

func normalize(in CustomFlag) CustomFlag {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)

	var dedup []models.TargetKind
	seen := map[models.TargetKind]bool{}
	for _, k := range in.AppliesTo {
		if !seen[k] {
			seen[k] = true
			dedup = append(dedup, k)
		}
	}
	in.AppliesTo = dedup
	return in
}

func customRow(in CustomFlag) *models.Flag {
	d := Descriptor{
		Key: NameKey(in.Name, false),
		Attributes: Attributes{
			Kind:           KindCustom,
			Name:           in.Name,
			Description:    in.Description,
			AppliesTo:      in.AppliesTo,
			RequireMessage: in.RequireMessage,
			ScoreBonus:     in.ScoreBonus,
			Capabilities:   NotifyType,
		},
	}
	if in.RequireMessage {
		d.Capabilities |= CustomType
	}
	if in.AutoAction {
		d.Capabilities |= AutoActionType
	}
	return RowFromDescriptor(d)
}
