// Package resolve turns a conflict and a strategy into a single resolved
// record version.
package resolve

import (
	"fmt"
	"slices"
	"time"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/record"
)

// Engine applies resolution strategies. It never persists anything.
type Engine struct {
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for the UpdatedAt stamp of resolved versions.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine creates a resolution engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve produces the resolved version of c. choices is only read for
// conflict.StrategyMerge and must hold a choice for every differing field.
// The result always carries Origin MERGED and UpdatedAt set to now.
func (e *Engine) Resolve(c conflict.Conflict, strategy conflict.Strategy, choices map[string]conflict.Choice) (*record.Version, error) {
	switch strategy {
	case conflict.StrategyServer:
		return e.take(c, conflict.SideServer)
	case conflict.StrategyClient:
		return e.take(c, conflict.SideClient)
	case conflict.StrategyMerge:
		return e.merge(c, choices)
	default:
		return nil, fmt.Errorf("%w: %q", conflict.ErrInvalidStrategy, strategy)
	}
}

func (e *Engine) take(c conflict.Conflict, side conflict.Side) (*record.Version, error) {
	v := c.Version(side)
	if v == nil {
		return nil, fmt.Errorf("%w: conflict %s has no %s version", conflict.ErrInvalidStrategy, c.ID, side)
	}
	return e.stamp(v.Clone()), nil
}

func (e *Engine) merge(c conflict.Conflict, choices map[string]conflict.Choice) (*record.Version, error) {
	var missing []string
	for _, name := range c.DifferingFields {
		choice, ok := choices[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if err := validateChoice(name, choice); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: no choice for %v", conflict.ErrIncompleteMerge, missing)
	}

	base := c.Client
	if base == nil {
		base = c.Server
	}
	if base == nil {
		return nil, fmt.Errorf("%w: conflict %s has no versions", conflict.ErrInvariantViolation, c.ID)
	}

	out := base.Clone()
	for _, name := range c.DifferingFields {
		if name == conflict.DeletedField {
			continue
		}
		v := chosenValue(c, name, choices[name])
		if v.IsNull() {
			out.Fields = out.Fields.Delete(name)
		} else {
			out.Fields = out.Fields.Set(name, v)
		}
	}

	if c.DifferingFields.Contains(conflict.DeletedField) {
		choice := choices[conflict.DeletedField]
		if choice.Override != nil {
			out.Deleted, _ = choice.Override.AsBool()
		} else {
			// the chosen side decides liveness; a tombstone stays a tombstone
			chosen := c.Version(choice.Side)
			out.Deleted = chosen != nil && chosen.Deleted
		}
	}

	return e.stamp(out), nil
}

func validateChoice(name string, choice conflict.Choice) error {
	if choice.Override != nil {
		if name == conflict.DeletedField && choice.Override.Kind() != record.KindBool {
			return fmt.Errorf("%w: %s override must be a bool, got %s", conflict.ErrInvalidStrategy, name, choice.Override.Kind())
		}
		return nil
	}
	switch choice.Side {
	case conflict.SideServer, conflict.SideClient:
		return nil
	default:
		return fmt.Errorf("%w: invalid side %q for field %s", conflict.ErrInvalidStrategy, choice.Side, name)
	}
}

func chosenValue(c conflict.Conflict, name string, choice conflict.Choice) record.Value {
	if choice.Override != nil {
		return *choice.Override
	}
	v := c.Version(choice.Side)
	if v == nil {
		return record.Null()
	}
	return v.Fields.Get(name)
}

func (e *Engine) stamp(v *record.Version) *record.Version {
	v.UpdatedAt = e.now()
	v.Origin = record.OriginMerged
	return v
}
