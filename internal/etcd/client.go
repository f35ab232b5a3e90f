// Package etcd stores the server side of every record in etcd.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// ErrRevisionMismatch is returned by Publish when the server copy moved past
// the revision the local change was based on.
var ErrRevisionMismatch = errors.New("upstream revision changed")

// Event is one server version observed in etcd.
type Event struct {
	Version  *record.Version
	Revision int64
}

// EtcdClient reads and writes record versions under a key prefix
type EtcdClient struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdClient creates a new etcd client with DSN parsing
func NewEtcdClient(dsn string) (*EtcdClient, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &EtcdClient{
		client: client,
		prefix: GetPrefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *EtcdClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Prefix returns the key prefix all records live under
func (c *EtcdClient) Prefix() string {
	return c.prefix
}

// WatchPrefix sets up a watch for all record keys after startRevision
func (c *EtcdClient) WatchPrefix(ctx context.Context, startRevision int64) clientv3.WatchChan {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if startRevision > 0 {
		opts = append(opts, clientv3.WithRev(startRevision+1))
	}

	watchChan := c.client.Watch(ctx, keyPrefix(c.prefix), opts...)
	logrus.WithFields(logrus.Fields{
		"prefix":   c.prefix,
		"revision": startRevision,
	}).Info("Started etcd watch")

	return watchChan
}

// Snapshot returns every server version under the prefix together with the
// store revision the snapshot was taken at, for the initial sync
func (c *EtcdClient) Snapshot(ctx context.Context) ([]Event, int64, error) {
	var resp *clientv3.GetResponse
	err := RetryEtcdOperation(ctx, func() (err error) {
		resp, err = c.client.Get(ctx, keyPrefix(c.prefix), clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		return err
	}, "etcd snapshot")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get all keys: %w", err)
	}

	events := make([]Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		v, err := decodeVersion(c.prefix, string(kv.Key), kv.Value)
		if err != nil {
			logrus.WithError(err).WithField("key", string(kv.Key)).Warn("Skipping undecodable etcd value")
			continue
		}
		events = append(events, Event{Version: v, Revision: kv.ModRevision})
	}

	logrus.WithFields(logrus.Fields{
		"prefix":          c.prefix,
		"count":           len(events),
		"header_revision": resp.Header.Revision,
	}).Info("Retrieved all records from etcd")

	return events, resp.Header.Revision, nil
}

// Fetch returns the current server version of key and its revision. A
// missing key yields a nil version and revision 0.
func (c *EtcdClient) Fetch(ctx context.Context, key record.Key) (*record.Version, int64, error) {
	etcdKey := recordKey(c.prefix, key)
	var resp *clientv3.GetResponse
	err := RetryEtcdOperation(ctx, func() (err error) {
		resp, err = c.client.Get(ctx, etcdKey)
		return err
	}, "etcd fetch")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get key %s: %w", etcdKey, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}

	kv := resp.Kvs[0]
	v, err := decodeVersion(c.prefix, string(kv.Key), kv.Value)
	if err != nil {
		return nil, 0, err
	}
	return v, kv.ModRevision, nil
}

// Publish writes v if the server copy has not changed since expectRevision
// (0 for a record the server never had) and returns the new revision. A key
// deleted in etcd counts as unchanged. Tombstones are written as values so
// the deletion time survives.
func (c *EtcdClient) Publish(ctx context.Context, v *record.Version, expectRevision int64) (int64, error) {
	etcdKey := recordKey(c.prefix, v.Key())
	value, err := encodeVersion(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", v.Key(), err)
	}

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(etcdKey), "<", expectRevision+1)).
		Then(clientv3.OpPut(etcdKey, string(value))).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", etcdKey, err)
	}
	if !resp.Succeeded {
		return 0, fmt.Errorf("%w: %s changed after revision %d", ErrRevisionMismatch, etcdKey, expectRevision)
	}

	logrus.WithFields(logrus.Fields{
		"key":      etcdKey,
		"revision": resp.Header.Revision,
		"deleted":  v.Deleted,
	}).Debug("Put record to etcd")

	return resp.Header.Revision, nil
}

// parseEtcdDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	// Parse as URL to handle query parameters
	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	switch params.Get("tls") {
	case "", "disabled":
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	default:
		return nil, fmt.Errorf("unknown tls mode %q", params.Get("tls"))
	}

	return config, nil
}

// GetPrefix extracts the prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" {
		return "/"
	}

	return u.Path
}
