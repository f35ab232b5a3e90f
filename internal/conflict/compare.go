package conflict

import (
	"fmt"
	"time"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// TimestampTolerance absorbs clock-skew jitter introduced by the transport:
// timestamps closer than this are equal.
const TimestampTolerance = time.Second

// identity and audit fields never take part in a merge
var immutableFields = map[string]struct{}{
	"id":         {},
	"recordId":   {},
	"table":      {},
	"createdAt":  {},
	DeletedField: {},
}

// Compare returns the names of the fields whose values differ between the
// server and the client version. A nil version reads as an empty, live
// record. A tombstone disagreement is reported as DeletedField.
func Compare(server, client *record.Version) (FieldSet, error) {
	if server == nil && client == nil {
		return nil, fmt.Errorf("%w: nothing to compare", ErrInvariantViolation)
	}
	if server != nil && client != nil && server.Key() != client.Key() {
		return nil, fmt.Errorf("%w: cannot compare %s with %s", ErrInvariantViolation, server.Key(), client.Key())
	}

	serverFields, clientFields := fieldsOf(server), fieldsOf(client)

	var differing []string
	seen := make(map[string]struct{}, len(serverFields)+len(clientFields))
	for _, fields := range []record.Fields{serverFields, clientFields} {
		for _, f := range fields {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			if _, ok := immutableFields[f.Name]; ok {
				continue
			}
			if !Equal(serverFields.Get(f.Name), clientFields.Get(f.Name)) {
				differing = append(differing, f.Name)
			}
		}
	}

	if isTombstone(server) != isTombstone(client) {
		differing = append(differing, DeletedField)
	}

	return NewFieldSet(differing...), nil
}

// Equal compares two field values. Numbers compare by decimal value, so
// "50" equals "50.00"; timestamps compare within TimestampTolerance; values
// of different kinds are never equal.
func Equal(a, b record.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case record.KindNull:
		return true
	case record.KindNumber:
		x, _ := a.AsNumber()
		y, _ := b.AsNumber()
		return x.Equal(y)
	case record.KindText:
		x, _ := a.AsText()
		y, _ := b.AsText()
		return x == y
	case record.KindBool:
		x, _ := a.AsBool()
		y, _ := b.AsBool()
		return x == y
	case record.KindTimestamp:
		x, _ := a.AsTime()
		y, _ := b.AsTime()
		d := x.Sub(y)
		if d < 0 {
			d = -d
		}
		return d < TimestampTolerance
	default:
		return false
	}
}

func fieldsOf(v *record.Version) record.Fields {
	if v == nil {
		return nil
	}
	return v.Fields
}

func isTombstone(v *record.Version) bool {
	return v != nil && v.Deleted
}
