package conflict

import (
	"fmt"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// Classify labels a differing pair. Rules, first match wins:
//  1. exactly one side is a tombstone: TypeDeleteVsEdit
//  2. both sides are live and the record was never synced before: TypeDuplicateCreate
//  3. otherwise: TypeConcurrentEdit
func Classify(server, client *record.Version, differing FieldSet, history History) (Type, error) {
	if differing.Empty() {
		return "", ErrNoConflict
	}
	if server != nil && client != nil && server.Key() != client.Key() {
		return "", fmt.Errorf("%w: cannot classify %s with %s", ErrInvariantViolation, server.Key(), client.Key())
	}

	if isTombstone(server) != isTombstone(client) {
		return TypeDeleteVsEdit, nil
	}
	if server != nil && client != nil && history.Known && history.Baseline == nil {
		return TypeDuplicateCreate, nil
	}
	return TypeConcurrentEdit, nil
}
