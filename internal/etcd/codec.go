package etcd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// keyPrefix returns prefix with exactly one trailing slash.
func keyPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

// recordKey lays records out as <prefix>/<table>/<recordId>.
func recordKey(prefix string, key record.Key) string {
	return keyPrefix(prefix) + key.Table + "/" + key.RecordID
}

func parseRecordKey(prefix, etcdKey string) (record.Key, error) {
	rest, ok := strings.CutPrefix(etcdKey, keyPrefix(prefix))
	if !ok {
		return record.Key{}, fmt.Errorf("key %q is outside prefix %q", etcdKey, prefix)
	}
	table, id, ok := strings.Cut(rest, "/")
	if !ok || table == "" || id == "" {
		return record.Key{}, fmt.Errorf("key %q is not <table>/<recordId>", etcdKey)
	}
	return record.Key{Table: table, RecordID: id}, nil
}

func encodeVersion(v *record.Version) ([]byte, error) {
	return json.Marshal(v)
}

// decodeVersion reads a stored value. The key is authoritative for the
// record identity, and whatever is read from etcd is a server version.
func decodeVersion(prefix, etcdKey string, value []byte) (*record.Version, error) {
	key, err := parseRecordKey(prefix, etcdKey)
	if err != nil {
		return nil, err
	}
	var v record.Version
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", etcdKey, err)
	}
	v.Table, v.RecordID = key.Table, key.RecordID
	v.Origin = record.OriginServer
	return &v, nil
}
