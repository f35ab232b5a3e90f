package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/finsync/internal/db"
	"github.com/cybertec-postgresql/finsync/internal/etcd"
	"github.com/cybertec-postgresql/finsync/internal/record"
	"github.com/cybertec-postgresql/finsync/internal/retry"
)

// Upstream is the server side of every record
type Upstream interface {
	Snapshot(ctx context.Context) ([]etcd.Event, int64, error)
	Watch(ctx context.Context, fromRevision int64) <-chan etcd.Event
	Fetch(ctx context.Context, key record.Key) (*record.Version, int64, error)
	Publish(ctx context.Context, v *record.Version, expectRevision int64) (int64, error)
}

// LocalStore is the client side of every record
type LocalStore interface {
	GetRecord(ctx context.Context, key record.Key) (*db.LocalRecord, error)
	GetPendingRecords(ctx context.Context) ([]db.LocalRecord, error)
	MarkSynced(ctx context.Context, v *record.Version, revision int64) error
	ApplyServerVersion(ctx context.Context, v *record.Version, revision int64) (bool, error)
	NoteUpstreamRevision(ctx context.Context, key record.Key, revision int64) error
	GetLatestRevision(ctx context.Context) (int64, error)
}

// Service keeps the local store and upstream in sync, routing every
// disagreement through the Orchestrator
type Service struct {
	orch     *Orchestrator
	local    LocalStore
	upstream Upstream
	cfg      Config
}

// NewService creates a new synchronization service
func NewService(orch *Orchestrator, local LocalStore, upstream Upstream, cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaults.PollingInterval
	}
	if cfg.PublishRetry == nil {
		cfg.PublishRetry = defaults.PublishRetry
	}
	if cfg.ApplyRetry == nil {
		cfg.ApplyRetry = defaults.ApplyRetry
	}
	return &Service{orch: orch, local: local, upstream: upstream, cfg: cfg}
}

// Start runs the watch, publish and auto-resolve loops until ctx is done or
// one of them fails
func (s *Service) Start(ctx context.Context) error {
	logrus.Info("Starting finsync synchronization")

	fromRevision, err := s.local.GetLatestRevision(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest revision: %w", err)
	}
	if fromRevision == 0 {
		if fromRevision, err = s.initialSync(ctx); err != nil {
			return fmt.Errorf("initial sync failed: %w", err)
		}
	}
	if err := s.RecoverConflicts(ctx); err != nil {
		return fmt.Errorf("conflict recovery failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watchUpstream(gctx, fromRevision) })
	g.Go(func() error { return s.publishLoop(gctx) })
	g.Go(func() error { return s.autoResolveLoop(gctx) })
	return g.Wait()
}

// initialSync applies every server version to an empty local store and
// returns the revision to watch from
func (s *Service) initialSync(ctx context.Context) (int64, error) {
	logrus.Info("Starting initial sync from upstream")

	events, revision, err := s.upstream.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := s.HandleServerVersion(ctx, ev.Version, ev.Revision); err != nil {
			return 0, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"count":    len(events),
		"revision": revision,
	}).Info("Initial sync completed successfully")
	return revision, nil
}

// RecoverConflicts re-checks pending local changes whose server copy moved
// on since the last agreement. Unresolved conflicts live in memory only, so
// after a restart they are detected again from the stored revisions.
func (s *Service) RecoverConflicts(ctx context.Context) error {
	records, err := s.local.GetPendingRecords(ctx)
	if err != nil {
		return err
	}
	recovered := 0
	for _, rec := range records {
		if rec.UpstreamRevision <= rec.BaseRevision {
			continue
		}
		key := rec.Version.Key()
		server, revision, err := s.upstream.Fetch(ctx, key)
		if err != nil {
			return err
		}
		if server == nil {
			continue
		}
		if err := s.HandleServerVersion(ctx, server, revision); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		logrus.WithField("count", recovered).Info("Re-checked pending records against upstream")
	}
	return nil
}

// HandleServerVersion brings one server version into the local store. A
// pending local change is compared with it and any disagreement becomes a
// conflict; otherwise the server version is applied.
func (s *Service) HandleServerVersion(ctx context.Context, server *record.Version, revision int64) error {
	key := server.Key()
	for range 3 {
		local, err := s.local.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		if local != nil && local.Pending() {
			return s.reconcile(ctx, server, revision, local)
		}
		if local != nil && local.UpstreamRevision >= revision {
			logrus.WithFields(logrus.Fields{
				"key":      key.String(),
				"revision": revision,
			}).Debug("Ignoring already applied server version")
			return nil
		}
		applied, err := s.local.ApplyServerVersion(ctx, server, revision)
		if err != nil {
			return err
		}
		if applied {
			logrus.WithFields(logrus.Fields{
				"key":      key.String(),
				"revision": revision,
				"deleted":  server.Deleted,
			}).Info("Applied server version")
			return nil
		}
		// the row turned pending in between, look again
	}
	return fmt.Errorf("record %s kept changing while applying revision %d", key, revision)
}

func (s *Service) reconcile(ctx context.Context, server *record.Version, revision int64, local *db.LocalRecord) error {
	c, err := s.orch.Ingest(ctx, server, local.Version)
	if err != nil {
		return err
	}
	if c == nil {
		// both sides hold the same data
		return s.local.MarkSynced(ctx, local.Version, revision)
	}
	return s.local.NoteUpstreamRevision(ctx, c.Key(), revision)
}

func (s *Service) watchUpstream(ctx context.Context, fromRevision int64) error {
	logrus.WithField("revision", fromRevision).Info("Starting upstream watcher")

	for ev := range s.upstream.Watch(ctx, fromRevision) {
		err := retry.WithOperation(ctx, s.cfg.ApplyRetry, func() error {
			return s.HandleServerVersion(ctx, ev.Version, ev.Revision)
		}, "apply server version")
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"key":      ev.Version.Key().String(),
				"revision": ev.Revision,
			}).Error("Failed to process server version after retries")
		}
	}
	return ctx.Err()
}

func (s *Service) publishLoop(ctx context.Context) error {
	logrus.WithField("interval", s.cfg.PollingInterval).Info("Starting publisher")

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.PublishPending(ctx); err != nil {
				logrus.WithError(err).Error("Failed to publish pending records")
			}
		}
	}
}

// PublishPending sends every pending local change upstream. Records with an
// unresolved conflict are held back until it is resolved.
func (s *Service) PublishPending(ctx context.Context) error {
	records, err := s.local.GetPendingRecords(ctx)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		logrus.WithField("count", len(records)).Debug("Found pending records to publish")
	}
	for _, rec := range records {
		if err := s.publish(ctx, rec); err != nil {
			logrus.WithError(err).WithField("key", rec.Version.Key().String()).Error("Failed to publish record")
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, rec db.LocalRecord) error {
	key := rec.Version.Key()
	err := s.publishLocked(ctx, rec)
	if !errors.Is(err, etcd.ErrRevisionMismatch) {
		return err
	}

	// someone else changed the record first
	server, revision, err := s.upstream.Fetch(ctx, key)
	if err != nil {
		return err
	}
	if server == nil {
		return fmt.Errorf("record %s vanished upstream, retrying later", key)
	}
	return s.HandleServerVersion(ctx, server, revision)
}

func (s *Service) publishLocked(ctx context.Context, rec db.LocalRecord) error {
	key := rec.Version.Key()
	unlock := s.orch.Store().Lock(key)
	defer unlock()

	if c, pending := s.orch.Store().FindByKey(key); pending {
		logrus.WithFields(logrus.Fields{
			"key":         key.String(),
			"conflict_id": c.ID,
		}).Debug("Holding back record with unresolved conflict")
		return nil
	}

	var revision int64
	err := retry.WithOperation(ctx, s.cfg.PublishRetry, func() error {
		var err error
		revision, err = s.upstream.Publish(ctx, rec.Version, rec.UpstreamRevision)
		if errors.Is(err, etcd.ErrRevisionMismatch) {
			return retry.Permanent(err)
		}
		return err
	}, "publish")
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"key":      key.String(),
		"revision": revision,
		"deleted":  rec.Version.Deleted,
	}).Info("Published local change")
	return s.local.MarkSynced(ctx, rec.Version, revision)
}

func (s *Service) autoResolveLoop(ctx context.Context) error {
	if s.cfg.AutoResolveInterval <= 0 {
		logrus.Info("Automatic conflict resolution disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	logrus.WithField("interval", s.cfg.AutoResolveInterval).Info("Starting auto-resolver")

	ticker := time.NewTicker(s.cfg.AutoResolveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.orch.ResolveConflicts(ctx)
		}
	}
}
