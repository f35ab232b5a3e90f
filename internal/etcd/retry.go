package etcd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/finsync/internal/record"
	"github.com/cybertec-postgresql/finsync/internal/retry"
)

// NewEtcdClientWithRetry creates a new etcd client with retry logic
func NewEtcdClientWithRetry(ctx context.Context, dsn string) (*EtcdClient, error) {
	var client *EtcdClient
	err := retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		client, attemptErr = NewEtcdClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		if _, testErr := client.client.Get(ctx, "healthcheck"); testErr != nil {
			_ = client.Close()
			return testErr
		}
		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}

// Watch streams server versions changed after fromRevision. The underlying
// etcd watch is re-established whenever it fails; the channel closes when
// ctx is done.
func (c *EtcdClient) Watch(ctx context.Context, fromRevision int64) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		currentRevision := fromRevision
		for ctx.Err() == nil {
			watchChan := c.WatchPrefix(ctx, currentRevision)
		recv:
			for {
				select {
				case <-ctx.Done():
					return
				case watchResp, ok := <-watchChan:
					if !ok {
						logrus.Warn("etcd watch channel closed, attempting to restart")
						break recv
					}
					if watchResp.CompactRevision > currentRevision {
						logrus.WithFields(logrus.Fields{
							"revision":         currentRevision,
							"compact_revision": watchResp.CompactRevision,
						}).Error("etcd history compacted, changes in between were missed")
						currentRevision = watchResp.CompactRevision - 1
						break recv
					}
					if err := watchResp.Err(); err != nil {
						logrus.WithError(err).Error("etcd watch error, attempting to restart")
						break recv
					}
					if watchResp.Canceled {
						logrus.Warn("etcd watch was canceled, attempting to restart")
						break recv
					}

					for _, ev := range watchResp.Events {
						if ev.Kv.ModRevision > currentRevision {
							currentRevision = ev.Kv.ModRevision
						}
						event, ok := c.decodeEvent(ev)
						if !ok {
							continue
						}
						select {
						case out <- event:
						case <-ctx.Done():
							return
						}
					}
				}
			}

			logrus.WithField("revision", currentRevision).Info("Restarting etcd watch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	return out
}

// decodeEvent turns a watch event into a server version. A plain etcd delete
// carries no value and becomes a tombstone stamped with the time it was seen.
func (c *EtcdClient) decodeEvent(ev *clientv3.Event) (Event, bool) {
	etcdKey := string(ev.Kv.Key)
	if ev.Type == clientv3.EventTypeDelete {
		key, err := parseRecordKey(c.prefix, etcdKey)
		if err != nil {
			logrus.WithError(err).Warn("Ignoring delete of foreign etcd key")
			return Event{}, false
		}
		return Event{
			Version: &record.Version{
				Table:     key.Table,
				RecordID:  key.RecordID,
				UpdatedAt: time.Now().UTC(),
				Origin:    record.OriginServer,
				Deleted:   true,
			},
			Revision: ev.Kv.ModRevision,
		}, true
	}

	v, err := decodeVersion(c.prefix, etcdKey, ev.Kv.Value)
	if err != nil {
		logrus.WithError(err).WithField("key", etcdKey).Warn("Skipping undecodable etcd value")
		return Event{}, false
	}
	return Event{Version: v, Revision: ev.Kv.ModRevision}, true
}

// RetryEtcdOperation retries an idempotent etcd operation with exponential backoff
func RetryEtcdOperation(ctx context.Context, operation func() error, operationName string) error {
	return retry.WithOperation(ctx, retry.EtcdDefaults(), operation, operationName)
}
