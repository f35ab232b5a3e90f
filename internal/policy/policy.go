// Package policy decides which conflicts are safe to resolve without asking
// the user.
package policy

import (
	"github.com/cybertec-postgresql/finsync/internal/conflict"
)

// DefaultFinancialFields are the monetary fields that are never resolved
// automatically.
var DefaultFinancialFields = []string{"amount", "balance", "remainingAmount", "totalAmount"}

const (
	ReasonDisjointMerge   = "disjoint-field auto-merge"
	ReasonMostRecentWins  = "non-financial-field, most-recent-wins"
	ReasonFinancialField  = "financial field differs, manual review required"
	ReasonDeleteVsEdit    = "delete-vs-edit, manual review required"
	ReasonDuplicateCreate = "duplicate create, manual review required"
	ReasonMissingSide     = "one side is absent, manual review required"
	ReasonUnsupportedType = "unsupported conflict type"
)

// Decision is the outcome of Decide. Strategy and FieldChoices are only set
// when CanAutoResolve is true.
type Decision struct {
	CanAutoResolve bool
	Strategy       conflict.Strategy
	FieldChoices   map[string]conflict.Choice
	Reason         string
}

// Policy is a pure, stateless auto-resolution policy.
type Policy struct {
	financial map[string]struct{}
}

// Option configures a Policy.
type Option func(*Policy)

// WithFinancialFields marks additional fields as monetary.
func WithFinancialFields(names ...string) Option {
	return func(p *Policy) {
		for _, n := range names {
			p.financial[n] = struct{}{}
		}
	}
}

// New creates a policy guarding DefaultFinancialFields plus any extras.
func New(opts ...Option) *Policy {
	p := &Policy{financial: make(map[string]struct{}, len(DefaultFinancialFields))}
	for _, n := range DefaultFinancialFields {
		p.financial[n] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsFinancial reports whether name is a monetary field.
func (p *Policy) IsFinancial(name string) bool {
	_, ok := p.financial[name]
	return ok
}

// Decide evaluates the rules in order, first match wins:
//  0. a monetary field differs: decline, whatever else holds
//  1. concurrent edit where each side changed different fields since the
//     baseline: merge, each field from the side that changed it
//  2. concurrent edit on non-financial fields only: the most recent side wins
//  3. anything else: decline
func (p *Policy) Decide(c conflict.Conflict) Decision {
	for _, name := range c.DifferingFields {
		if p.IsFinancial(name) {
			return decline(ReasonFinancialField)
		}
	}

	switch c.Type {
	case conflict.TypeConcurrentEdit:
	case conflict.TypeDeleteVsEdit:
		return decline(ReasonDeleteVsEdit)
	case conflict.TypeDuplicateCreate:
		return decline(ReasonDuplicateCreate)
	default:
		return decline(ReasonUnsupportedType)
	}
	if c.Server == nil || c.Client == nil {
		return decline(ReasonMissingSide)
	}

	if choices, ok := disjointChoices(c); ok {
		return Decision{
			CanAutoResolve: true,
			Strategy:       conflict.StrategyMerge,
			FieldChoices:   choices,
			Reason:         ReasonDisjointMerge,
		}
	}

	strategy := conflict.StrategyServer
	if c.Client.UpdatedAt.After(c.Server.UpdatedAt) {
		strategy = conflict.StrategyClient
	}
	return Decision{
		CanAutoResolve: true,
		Strategy:       strategy,
		Reason:         ReasonMostRecentWins,
	}
}

// disjointChoices picks, for each differing field, the only side that changed
// it relative to the baseline. It fails when there is no baseline or when a
// field was changed on both sides.
func disjointChoices(c conflict.Conflict) (map[string]conflict.Choice, bool) {
	if c.Baseline == nil || c.DifferingFields.Contains(conflict.DeletedField) {
		return nil, false
	}

	choices := make(map[string]conflict.Choice, len(c.DifferingFields))
	for _, name := range c.DifferingFields {
		base := c.Baseline.Fields.Get(name)
		serverChanged := !conflict.Equal(c.Server.Fields.Get(name), base)
		clientChanged := !conflict.Equal(c.Client.Fields.Get(name), base)

		switch {
		case serverChanged && !clientChanged:
			choices[name] = conflict.FromServer()
		case clientChanged && !serverChanged:
			choices[name] = conflict.FromClient()
		default:
			return nil, false
		}
	}
	return choices, true
}

func decline(reason string) Decision {
	return Decision{Reason: reason}
}
