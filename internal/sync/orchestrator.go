// Package sync drives conflict detection and resolution between the local
// record store and the server.
package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/policy"
	"github.com/cybertec-postgresql/finsync/internal/record"
	"github.com/cybertec-postgresql/finsync/internal/resolve"
)

// Persister durably stores a resolved version.
type Persister interface {
	Persist(ctx context.Context, v *record.Version) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, v *record.Version) error

func (f PersisterFunc) Persist(ctx context.Context, v *record.Version) error {
	return f(ctx, v)
}

// AuditRecorder keeps resolved conflicts beyond the session.
type AuditRecorder interface {
	RecordResolution(ctx context.Context, c conflict.Conflict) error
}

// BaselineSource looks up the last version both sides agreed on. A nil
// version with a nil error means the record was never synced.
type BaselineSource interface {
	Baseline(ctx context.Context, table, recordID string) (*record.Version, error)
}

// ReasonConverged is recorded when a queued conflict closes because both
// sides reached the same data on their own.
const ReasonConverged = "both sides agree"

// Summary counts the outcome of one ResolveConflicts pass.
type Summary struct {
	AutoResolved int `json:"autoResolved"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Orchestrator is the entry point of conflict handling: it turns version
// pairs into queued conflicts and applies automatic or human resolutions.
type Orchestrator struct {
	store     *conflict.Store
	engine    *resolve.Engine
	policy    *policy.Policy
	persister Persister
	audit     AuditRecorder
	baselines BaselineSource
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithBaselineSource enables duplicate-create detection and disjoint-field
// auto-merges.
func WithBaselineSource(b BaselineSource) Option {
	return func(o *Orchestrator) { o.baselines = b }
}

func WithEngine(e *resolve.Engine) Option {
	return func(o *Orchestrator) { o.engine = e }
}

func WithPolicy(p *policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// NewOrchestrator wires the store and the persister with a default engine and
// policy.
func NewOrchestrator(store *conflict.Store, persister Persister, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		engine:    resolve.NewEngine(),
		policy:    policy.New(),
		persister: persister,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store exposes the conflict queue.
func (o *Orchestrator) Store() *conflict.Store {
	return o.store
}

func conflictFields(c conflict.Conflict) logrus.Fields {
	return logrus.Fields{
		"conflict_id": c.ID,
		"table":       c.Table,
		"record_id":   c.RecordID,
		"type":        c.Type,
	}
}

// Ingest compares the two sides of a record and queues a conflict when they
// disagree. It returns nil when they agree; a queued conflict for the record
// is then closed with a converged resolution. A newer disagreement on a record that
// already has a pending conflict replaces the versions of that conflict.
func (o *Orchestrator) Ingest(ctx context.Context, server, client *record.Version) (*conflict.Conflict, error) {
	differing, err := conflict.Compare(server, client)
	if err != nil {
		return nil, err
	}
	var key record.Key
	if server != nil {
		key = server.Key()
	} else {
		key = client.Key()
	}

	unlock := o.store.Lock(key)
	defer unlock()

	existing, pending := o.store.FindByKey(key)
	if differing.Empty() {
		if pending {
			if _, err := o.converge(ctx, existing, server, client); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	history, err := o.history(ctx, key)
	if err != nil {
		return nil, err
	}
	typ, err := conflict.Classify(server, client, differing, history)
	if err != nil {
		return nil, err
	}

	latest := conflict.Conflict{
		Table:           key.Table,
		RecordID:        key.RecordID,
		Type:            typ,
		Server:          server.Clone(),
		Client:          client.Clone(),
		Baseline:        history.Baseline.Clone(),
		DifferingFields: differing,
	}

	id := existing.ID
	if pending {
		err = o.store.Replace(id, latest)
	} else {
		id, err = o.store.Add(latest)
		if errors.Is(err, conflict.ErrDuplicateConflict) {
			err = o.store.Replace(id, latest)
		}
	}
	if err != nil {
		return nil, err
	}

	c, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	entry := logrus.WithFields(conflictFields(c)).WithField("differing_fields", c.DifferingFields)
	if pending {
		entry.Info("Conflict updated with newer versions")
	} else {
		entry.Info("Conflict detected")
	}
	return &c, nil
}

func (o *Orchestrator) history(ctx context.Context, key record.Key) (conflict.History, error) {
	if o.baselines == nil {
		return conflict.History{}, nil
	}
	baseline, err := o.baselines.Baseline(ctx, key.Table, key.RecordID)
	if err != nil {
		return conflict.History{}, fmt.Errorf("failed to load baseline of %s: %w", key, err)
	}
	return conflict.History{Known: true, Baseline: baseline}, nil
}

// GetUnresolvedConflicts lists the queue, oldest first.
func (o *Orchestrator) GetUnresolvedConflicts() []conflict.Conflict {
	return o.store.List()
}

// GetConflict returns a pending conflict, or the audit record of one resolved
// during this session.
func (o *Orchestrator) GetConflict(id string) (conflict.Conflict, error) {
	c, err := o.store.Get(id)
	if err == nil {
		return c, nil
	}
	if done, ok := o.store.Resolved(id); ok {
		return done, nil
	}
	return conflict.Conflict{}, err
}

// ManualResolveConflict applies a human decision. Resolving a conflict that
// is already resolved returns the stored resolution and changes nothing. If
// persisting fails the conflict stays queued.
func (o *Orchestrator) ManualResolveConflict(ctx context.Context, id string, strategy conflict.Strategy,
	choices map[string]conflict.Choice) (*conflict.Resolution, error) {
	if done, ok := o.store.Resolved(id); ok {
		return copyResolution(done), nil
	}
	c, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}

	unlock := o.store.Lock(c.Key())
	defer unlock()

	if done, ok := o.store.Resolved(id); ok {
		return copyResolution(done), nil
	}
	if c, err = o.store.Get(id); err != nil {
		return nil, err
	}
	return o.apply(ctx, c, strategy, choices, conflict.ResolvedByHuman, "")
}

// ResolveConflicts runs the auto-resolution policy over every queued
// conflict. Declined, vanished and failed conflicts are counted and left for
// later; none of them stops the pass.
func (o *Orchestrator) ResolveConflicts(ctx context.Context) Summary {
	var sum Summary
	for _, c := range o.store.List() {
		if ctx.Err() != nil {
			break
		}
		resolved, err := o.autoResolve(ctx, c.ID, c.Key())
		switch {
		case err != nil:
			sum.Failed++
			logrus.WithFields(conflictFields(c)).WithError(err).Error("Auto-resolution failed")
		case resolved:
			sum.AutoResolved++
		default:
			sum.Skipped++
		}
	}
	if sum != (Summary{}) {
		logrus.WithFields(logrus.Fields{
			"auto_resolved": sum.AutoResolved,
			"skipped":       sum.Skipped,
			"failed":        sum.Failed,
		}).Info("Auto-resolution pass finished")
	}
	return sum
}

func (o *Orchestrator) autoResolve(ctx context.Context, id string, key record.Key) (bool, error) {
	unlock := o.store.Lock(key)
	defer unlock()

	c, err := o.store.Get(id)
	if err != nil {
		// resolved or dropped since the queue was listed
		return false, nil
	}
	d := o.policy.Decide(c)
	if !d.CanAutoResolve {
		logrus.WithFields(conflictFields(c)).WithField("reason", d.Reason).Debug("Conflict left for manual review")
		return false, nil
	}
	if _, err := o.apply(ctx, c, d.Strategy, d.FieldChoices, conflict.ResolvedByAutoPolicy, d.Reason); err != nil {
		return false, err
	}
	return true, nil
}

// apply resolves c and records the outcome. The caller holds the record lock.
func (o *Orchestrator) apply(ctx context.Context, c conflict.Conflict, strategy conflict.Strategy,
	choices map[string]conflict.Choice, by conflict.Resolver, reason string) (*conflict.Resolution, error) {
	result, err := o.engine.Resolve(c, strategy, choices)
	if err != nil {
		return nil, err
	}
	if err := o.persister.Persist(ctx, result.Clone()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", conflict.ErrPersistenceFailed, c.Key(), err)
	}

	res := conflict.Resolution{
		Strategy:   strategy,
		Result:     result,
		ResolvedBy: by,
		Reason:     reason,
		ResolvedAt: result.UpdatedAt,
	}
	if strategy == conflict.StrategyMerge {
		res.FieldChoices = maps.Clone(choices)
	}
	return o.finish(ctx, c, res)
}

// converge closes a pending conflict whose two sides hold the same data
// again. Nothing is persisted since the local copy already matches. The
// caller holds the record lock.
func (o *Orchestrator) converge(ctx context.Context, c conflict.Conflict, server, client *record.Version) (*conflict.Resolution, error) {
	result := server.Clone()
	if result == nil {
		result = client.Clone()
	}
	return o.finish(ctx, c, conflict.Resolution{
		Strategy:   conflict.StrategyServer,
		Result:     result,
		ResolvedBy: conflict.ResolvedByConvergence,
		Reason:     ReasonConverged,
		ResolvedAt: result.UpdatedAt,
	})
}

// finish marks c resolved and records it in the audit trail.
func (o *Orchestrator) finish(ctx context.Context, c conflict.Conflict, res conflict.Resolution) (*conflict.Resolution, error) {
	done, err := o.store.MarkResolved(c.ID, res)
	if err != nil {
		return nil, err
	}

	entry := logrus.WithFields(conflictFields(done)).WithFields(logrus.Fields{
		"strategy":    res.Strategy,
		"resolved_by": res.ResolvedBy,
	})
	if res.Reason != "" {
		entry = entry.WithField("reason", res.Reason)
	}
	entry.Info("Conflict resolved")

	if o.audit != nil {
		if err := o.audit.RecordResolution(ctx, done); err != nil {
			entry.WithError(err).Warn("Failed to record resolution in audit trail")
		}
	}
	return copyResolution(done), nil
}

func copyResolution(c conflict.Conflict) *conflict.Resolution {
	res := *c.Resolution
	res.Result = res.Result.Clone()
	res.FieldChoices = maps.Clone(res.FieldChoices)
	return &res
}
