// Package conflict detects, classifies and queues disagreements between the
// server and client versions of a record.
package conflict

import (
	"fmt"
	"slices"
	"time"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// DeletedField is the pseudo-field that stands for a disagreement on the
// tombstone flag. It appears in DifferingFields and takes a merge choice like
// any other field.
const DeletedField = "_deleted"

// Type labels the kind of disagreement.
type Type string

const (
	TypeConcurrentEdit  Type = "CONCURRENT_EDIT"
	TypeDeleteVsEdit    Type = "DELETE_VS_EDIT"
	TypeDuplicateCreate Type = "DUPLICATE_CREATE"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyServer Strategy = "SERVER"
	StrategyClient Strategy = "CLIENT"
	StrategyMerge  Strategy = "MERGE"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyServer, StrategyClient, StrategyMerge:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

// Side names one of the two conflicting versions.
type Side string

const (
	SideServer Side = "SERVER"
	SideClient Side = "CLIENT"
)

// Choice is the per-field decision of a merge: either a side, or a literal
// override value.
type Choice struct {
	Side     Side          `json:"side,omitempty"`
	Override *record.Value `json:"override,omitempty"`
}

func FromServer() Choice { return Choice{Side: SideServer} }
func FromClient() Choice { return Choice{Side: SideClient} }

// Override picks a literal value that neither side holds.
func Override(v record.Value) Choice {
	return Choice{Override: &v}
}

// Resolver tells who applied a resolution.
type Resolver string

const (
	ResolvedByHuman       Resolver = "human"
	ResolvedByAutoPolicy  Resolver = "auto-policy"
	// ResolvedByConvergence marks a conflict closed because a later pair of
	// versions agreed.
	ResolvedByConvergence Resolver = "converged"
)

// Resolution is the terminal audit record of a conflict.
type Resolution struct {
	Strategy     Strategy          `json:"strategy"`
	FieldChoices map[string]Choice `json:"fieldChoices,omitempty"`
	Result       *record.Version   `json:"result"`
	ResolvedBy   Resolver          `json:"resolvedBy"`
	Reason       string            `json:"reason,omitempty"`
	ResolvedAt   time.Time         `json:"resolvedAt"`
}

// FieldSet is a sorted set of field names.
type FieldSet []string

// NewFieldSet sorts and de-duplicates names.
func NewFieldSet(names ...string) FieldSet {
	out := slices.Clone(names)
	slices.Sort(out)
	return FieldSet(slices.Compact(out))
}

func (s FieldSet) Contains(name string) bool {
	_, found := slices.BinarySearch(s, name)
	return found
}

func (s FieldSet) Empty() bool { return len(s) == 0 }

// History describes what is known about the previously-synced common
// ancestor of a record. Known is false when no baseline source is available,
// in which case nothing can be said about prior syncs.
type History struct {
	Known    bool
	Baseline *record.Version
}

// Conflict is an unresolved (or, once Resolution is set, resolved)
// disagreement between the two sides of one record.
type Conflict struct {
	ID              string          `json:"id"`
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	Type            Type            `json:"conflictType"`
	Server          *record.Version `json:"serverVersion,omitempty"`
	Client          *record.Version `json:"clientVersion,omitempty"`
	Baseline        *record.Version `json:"baseline,omitempty"`
	DifferingFields FieldSet        `json:"differingFields"`
	DetectedAt      time.Time       `json:"detectedAt"`
	Resolution      *Resolution     `json:"resolution,omitempty"`
}

func (c Conflict) Key() record.Key {
	return record.Key{Table: c.Table, RecordID: c.RecordID}
}

// Version returns the version of the given side, which may be nil.
func (c Conflict) Version(side Side) *record.Version {
	switch side {
	case SideServer:
		return c.Server
	case SideClient:
		return c.Client
	default:
		return nil
	}
}
