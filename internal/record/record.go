package record

import (
	"fmt"
	"time"
)

// Origin tells which side produced a version.
type Origin string

const (
	OriginServer Origin = "SERVER"
	OriginClient Origin = "CLIENT"
	// OriginMerged marks a version synthesized by conflict resolution.
	OriginMerged Origin = "MERGED"
)

// ParseOrigin converts the stored representation back into an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch o := Origin(s); o {
	case OriginServer, OriginClient, OriginMerged:
		return o, nil
	default:
		return "", fmt.Errorf("unknown origin %q", s)
	}
}

// Key identifies a logical record across both sides.
type Key struct {
	Table    string
	RecordID string
}

func (k Key) String() string {
	return k.Table + "/" + k.RecordID
}

// Version is a snapshot of one logical record at a point in time.
type Version struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"recordId"`
	Fields    Fields    `json:"fields"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    Origin    `json:"origin"`
	Deleted   bool      `json:"deleted"`
}

// Key returns the (table, recordId) identity of the version.
func (v *Version) Key() Key {
	return Key{Table: v.Table, RecordID: v.RecordID}
}

// Clone returns a deep copy; Clone of nil is nil.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Fields = v.Fields.Clone()
	return &out
}
