package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/policy"
	"github.com/cybertec-postgresql/finsync/internal/record"
	"github.com/cybertec-postgresql/finsync/internal/resolve"
)

var (
	t0  = time.Date(2024, 8, 1, 18, 0, 0, 0, time.UTC)
	now = t0.Add(time.Hour)
)

// memSink is an in-memory Persister, AuditRecorder and BaselineSource.
type memSink struct {
	mu          sync.Mutex
	persisted   []*record.Version
	persistErr  error
	audits      []conflict.Conflict
	auditErr    error
	baselines   map[record.Key]*record.Version
	baselineErr error
}

func (m *memSink) Persist(_ context.Context, v *record.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	m.persisted = append(m.persisted, v)
	return nil
}

func (m *memSink) RecordResolution(_ context.Context, c conflict.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	m.audits = append(m.audits, c)
	return nil
}

func (m *memSink) Baseline(_ context.Context, table, recordID string) (*record.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baselineErr != nil {
		return nil, m.baselineErr
	}
	return m.baselines[record.Key{Table: table, RecordID: recordID}], nil
}

func (m *memSink) persistedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.persisted)
}

func newOrchestrator(sink *memSink, opts ...Option) *Orchestrator {
	n := 0
	store := conflict.NewStore(
		conflict.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("c-%d", n)
		}),
		conflict.WithStoreClock(func() time.Time { return t0 }),
	)
	opts = append([]Option{
		WithEngine(resolve.NewEngine(resolve.WithClock(func() time.Time { return now }))),
		WithAuditRecorder(sink),
	}, opts...)
	return NewOrchestrator(store, sink, opts...)
}

func txn(id string, origin record.Origin, at time.Time, fields record.Fields) *record.Version {
	return &record.Version{Table: "transactions", RecordID: id, Fields: fields, UpdatedAt: at, Origin: origin}
}

func TestScenarioANonFinancialAutoResolves(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()

	c, err := o.Ingest(ctx,
		txn("tx-1", record.OriginServer, t0, record.Fields{{Name: "amount", Value: record.Int(50)}, {Name: "category", Value: record.Text("Food")}}),
		txn("tx-1", record.OriginClient, t0.Add(time.Minute), record.Fields{{Name: "amount", Value: record.Int(50)}, {Name: "category", Value: record.Text("Dining")}}),
	)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, conflict.TypeConcurrentEdit, c.Type)
	assert.Equal(t, conflict.FieldSet{"category"}, c.DifferingFields)

	sum := o.ResolveConflicts(ctx)
	assert.Equal(t, Summary{AutoResolved: 1}, sum)
	assert.Empty(t, o.GetUnresolvedConflicts())

	require.Len(t, sink.persisted, 1)
	category, _ := sink.persisted[0].Fields.Get("category").AsText()
	assert.Equal(t, "Dining", category)
	assert.Equal(t, record.OriginMerged, sink.persisted[0].Origin)

	require.Len(t, sink.audits, 1)
	res := sink.audits[0].Resolution
	assert.Equal(t, conflict.ResolvedByAutoPolicy, res.ResolvedBy)
	assert.Equal(t, policy.ReasonMostRecentWins, res.Reason)
	assert.Equal(t, now, res.ResolvedAt)

	done, err := o.GetConflict(c.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.Resolution, "audit record stays readable")
}

func TestScenarioBDeleteVsEdit(t *testing.T) {
	ctx := context.Background()
	server := &record.Version{Table: "transactions", RecordID: "tx-2", Deleted: true, UpdatedAt: t0, Origin: record.OriginServer}
	client := txn("tx-2", record.OriginClient, t0, record.Fields{{Name: "amount", Value: record.Int(20)}})

	t.Run("client liveness", func(t *testing.T) {
		sink := &memSink{}
		o := newOrchestrator(sink)
		c, err := o.Ingest(ctx, server, client)
		require.NoError(t, err)
		assert.Equal(t, conflict.TypeDeleteVsEdit, c.Type)

		assert.Equal(t, Summary{Skipped: 1}, o.ResolveConflicts(ctx))
		assert.Len(t, o.GetUnresolvedConflicts(), 1)

		res, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyMerge, map[string]conflict.Choice{
			conflict.DeletedField: conflict.FromClient(),
			"amount":              conflict.FromClient(),
		})
		require.NoError(t, err)
		assert.False(t, res.Result.Deleted)
		amount, _ := res.Result.Fields.Get("amount").AsNumber()
		assert.Equal(t, "20", amount.String())
		assert.Equal(t, conflict.ResolvedByHuman, res.ResolvedBy)
	})

	t.Run("server tombstone", func(t *testing.T) {
		sink := &memSink{}
		o := newOrchestrator(sink)
		c, err := o.Ingest(ctx, server, client)
		require.NoError(t, err)

		res, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyMerge, map[string]conflict.Choice{
			conflict.DeletedField: conflict.FromServer(),
			"amount":              conflict.FromClient(),
		})
		require.NoError(t, err)
		assert.True(t, res.Result.Deleted)
		require.Len(t, sink.persisted, 1)
		assert.True(t, sink.persisted[0].Deleted)
	})
}

func TestScenarioCFinancialFieldNeedsHuman(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()

	c, err := o.Ingest(ctx,
		txn("tx-3", record.OriginServer, t0, record.Fields{{Name: "amount", Value: record.Int(100)}}),
		txn("tx-3", record.OriginClient, t0.Add(time.Hour), record.Fields{{Name: "amount", Value: record.Int(120)}}),
	)
	require.NoError(t, err)

	assert.Equal(t, Summary{Skipped: 1}, o.ResolveConflicts(ctx))
	assert.Empty(t, sink.persisted)

	res, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyMerge, map[string]conflict.Choice{
		"amount": conflict.FromServer(),
	})
	require.NoError(t, err)
	amount, _ := res.Result.Fields.Get("amount").AsNumber()
	assert.Equal(t, "100", amount.String())
	assert.Equal(t, map[string]conflict.Choice{"amount": conflict.FromServer()}, res.FieldChoices)
}

func TestScenarioDRepeatedIngestKeepsOneConflict(t *testing.T) {
	o := newOrchestrator(&memSink{})
	ctx := context.Background()

	first, err := o.Ingest(ctx,
		txn("tx-4", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}}),
		txn("tx-4", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("b")}}),
	)
	require.NoError(t, err)

	second, err := o.Ingest(ctx,
		txn("tx-4", record.OriginServer, t0.Add(time.Minute), record.Fields{{Name: "notes", Value: record.Text("c")}}),
		txn("tx-4", record.OriginClient, t0.Add(time.Minute), record.Fields{{Name: "notes", Value: record.Text("d")}}),
	)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list := o.GetUnresolvedConflicts()
	require.Len(t, list, 1)
	serverNotes, _ := list[0].Server.Fields.Get("notes").AsText()
	clientNotes, _ := list[0].Client.Fields.Get("notes").AsText()
	assert.Equal(t, "c", serverNotes)
	assert.Equal(t, "d", clientNotes)
}

func TestIngestAgreementIsNoop(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()
	same := record.Fields{{Name: "amount", Value: record.Int(5)}}

	c, err := o.Ingest(ctx, txn("tx-5", record.OriginServer, t0, same), txn("tx-5", record.OriginClient, t0, same))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, o.GetUnresolvedConflicts())
	assert.Empty(t, sink.audits)
	assert.Zero(t, sink.persistedCount())
}

func TestIngestConvergenceClosesPendingConflict(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()

	queued, err := o.Ingest(ctx,
		txn("tx-5", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("x")}}),
		txn("tx-5", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("y")}}),
	)
	require.NoError(t, err)
	require.NotNil(t, queued)

	agreed := record.Fields{{Name: "notes", Value: record.Text("z")}}
	c, err := o.Ingest(ctx,
		txn("tx-5", record.OriginServer, t0.Add(time.Minute), agreed),
		txn("tx-5", record.OriginClient, t0.Add(time.Minute), agreed),
	)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, o.GetUnresolvedConflicts())

	// the conflict is closed with a resolution, not dropped
	done, err := o.GetConflict(queued.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Resolution)
	assert.Equal(t, conflict.ResolvedByConvergence, done.Resolution.ResolvedBy)
	assert.Equal(t, ReasonConverged, done.Resolution.Reason)
	assert.Equal(t, t0.Add(time.Minute), done.Resolution.ResolvedAt)
	notes, _ := done.Resolution.Result.Fields.Get("notes").AsText()
	assert.Equal(t, "z", notes)

	_, ok := o.Store().Resolved(queued.ID)
	assert.True(t, ok)
	require.Len(t, sink.audits, 1)
	assert.Equal(t, queued.ID, sink.audits[0].ID)
	assert.Zero(t, sink.persistedCount(), "local copy already holds the agreed data")

	// a later manual resolve returns the stored resolution
	res, err := o.ManualResolveConflict(ctx, queued.ID, conflict.StrategyClient, nil)
	require.NoError(t, err)
	assert.Equal(t, conflict.ResolvedByConvergence, res.ResolvedBy)
}

func TestIngestInputsAreCopied(t *testing.T) {
	o := newOrchestrator(&memSink{})
	server := txn("tx-6", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}})
	client := txn("tx-6", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("b")}})

	c, err := o.Ingest(context.Background(), server, client)
	require.NoError(t, err)
	server.Fields[0].Value = record.Text("mutated")

	got, err := o.GetConflict(c.ID)
	require.NoError(t, err)
	notes, _ := got.Server.Fields.Get("notes").AsText()
	assert.Equal(t, "a", notes)
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(&memSink{})

	_, err := o.Ingest(ctx, nil, nil)
	assert.ErrorIs(t, err, conflict.ErrInvariantViolation)

	_, err = o.Ingest(ctx,
		txn("tx-7", record.OriginServer, t0, nil),
		txn("tx-8", record.OriginClient, t0, nil),
	)
	assert.ErrorIs(t, err, conflict.ErrInvariantViolation)

	boom := errors.New("db down")
	o = newOrchestrator(&memSink{baselineErr: boom}, WithBaselineSource(&memSink{baselineErr: boom}))
	_, err = o.Ingest(ctx,
		txn("tx-7", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}}),
		txn("tx-7", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("b")}}),
	)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, o.GetUnresolvedConflicts())
}

func TestIngestWithBaselines(t *testing.T) {
	ctx := context.Background()
	key := record.Key{Table: "transactions", RecordID: "tx-9"}
	baseline := txn("tx-9", record.OriginServer, t0, record.Fields{
		{Name: "description", Value: record.Text("Coffee")},
		{Name: "category", Value: record.Text("Food")},
	})
	sink := &memSink{baselines: map[record.Key]*record.Version{key: baseline}}
	o := newOrchestrator(sink, WithBaselineSource(sink))

	// each side changed a different field since the last sync
	c, err := o.Ingest(ctx,
		txn("tx-9", record.OriginServer, t0.Add(time.Hour), record.Fields{
			{Name: "description", Value: record.Text("Coffee beans")},
			{Name: "category", Value: record.Text("Food")},
		}),
		txn("tx-9", record.OriginClient, t0.Add(time.Minute), record.Fields{
			{Name: "description", Value: record.Text("Coffee")},
			{Name: "category", Value: record.Text("Groceries")},
		}),
	)
	require.NoError(t, err)
	require.NotNil(t, c.Baseline)

	assert.Equal(t, Summary{AutoResolved: 1}, o.ResolveConflicts(ctx))
	require.Len(t, sink.persisted, 1)
	description, _ := sink.persisted[0].Fields.Get("description").AsText()
	category, _ := sink.persisted[0].Fields.Get("category").AsText()
	assert.Equal(t, "Coffee beans", description)
	assert.Equal(t, "Groceries", category)
	assert.Equal(t, policy.ReasonDisjointMerge, sink.audits[0].Resolution.Reason)

	// both sides created the record offline
	c, err = o.Ingest(ctx,
		txn("tx-10", record.OriginServer, t0, record.Fields{{Name: "name", Value: record.Text("Car loan")}}),
		txn("tx-10", record.OriginClient, t0, record.Fields{{Name: "name", Value: record.Text("Mortgage")}}),
	)
	require.NoError(t, err)
	assert.Equal(t, conflict.TypeDuplicateCreate, c.Type)
	assert.Equal(t, Summary{Skipped: 1}, o.ResolveConflicts(ctx))
}

func TestManualResolvePersistenceFailure(t *testing.T) {
	boom := errors.New("disk full")
	sink := &memSink{persistErr: boom}
	o := newOrchestrator(sink)
	ctx := context.Background()

	c, err := o.Ingest(ctx,
		txn("tx-11", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}}),
		txn("tx-11", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("b")}}),
	)
	require.NoError(t, err)

	_, err = o.ManualResolveConflict(ctx, c.ID, conflict.StrategyClient, nil)
	assert.ErrorIs(t, err, conflict.ErrPersistenceFailed)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, o.GetUnresolvedConflicts(), 1, "conflict stays queued")
	assert.Empty(t, sink.audits)

	sink.persistErr = nil
	res, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyClient, nil)
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategyClient, res.Strategy)
	assert.Empty(t, o.GetUnresolvedConflicts())
}

func TestManualResolveIsIdempotent(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()

	c, err := o.Ingest(ctx,
		txn("tx-12", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}}),
		txn("tx-12", record.OriginClient, t0, record.Fields{{Name: "notes", Value: record.Text("b")}}),
	)
	require.NoError(t, err)

	first, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyServer, nil)
	require.NoError(t, err)
	second, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyClient, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, conflict.StrategyServer, second.Strategy)
	assert.Equal(t, 1, sink.persistedCount())
	assert.Len(t, sink.audits, 1)

	// the returned copy cannot alter the stored audit record
	second.Result.Fields[0].Value = record.Text("tampered")
	third, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyServer, nil)
	require.NoError(t, err)
	notes, _ := third.Result.Fields.Get("notes").AsText()
	assert.Equal(t, "a", notes)
}

func TestManualResolveErrors(t *testing.T) {
	sink := &memSink{auditErr: errors.New("audit table missing")}
	o := newOrchestrator(sink)
	ctx := context.Background()

	_, err := o.ManualResolveConflict(ctx, "nope", conflict.StrategyServer, nil)
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	c, err := o.Ingest(ctx,
		txn("tx-13", record.OriginServer, t0, record.Fields{{Name: "amount", Value: record.Int(1)}, {Name: "notes", Value: record.Text("a")}}),
		txn("tx-13", record.OriginClient, t0, record.Fields{{Name: "amount", Value: record.Int(2)}, {Name: "notes", Value: record.Text("b")}}),
	)
	require.NoError(t, err)

	_, err = o.ManualResolveConflict(ctx, c.ID, conflict.StrategyMerge, map[string]conflict.Choice{"notes": conflict.FromClient()})
	assert.ErrorIs(t, err, conflict.ErrIncompleteMerge)
	_, err = o.ManualResolveConflict(ctx, c.ID, conflict.Strategy("LATEST"), nil)
	assert.ErrorIs(t, err, conflict.ErrInvalidStrategy)
	assert.Len(t, o.GetUnresolvedConflicts(), 1)
	assert.Empty(t, sink.persisted)

	// a failing audit trail does not undo a persisted resolution
	_, err = o.ManualResolveConflict(ctx, c.ID, conflict.StrategyServer, nil)
	require.NoError(t, err)
	assert.Empty(t, o.GetUnresolvedConflicts())
}

func TestResolveConflictsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	persisted := map[string]bool{}
	var mu sync.Mutex
	persister := PersisterFunc(func(_ context.Context, v *record.Version) error {
		if v.RecordID == "tx-21" {
			return errors.New("constraint violation")
		}
		mu.Lock()
		persisted[v.RecordID] = true
		mu.Unlock()
		return nil
	})
	o := NewOrchestrator(conflict.NewStore(), persister)

	for _, id := range []string{"tx-20", "tx-21", "tx-22"} {
		_, err := o.Ingest(ctx,
			txn(id, record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("a")}}),
			txn(id, record.OriginClient, t0.Add(time.Second), record.Fields{{Name: "notes", Value: record.Text("b")}}),
		)
		require.NoError(t, err)
	}
	_, err := o.Ingest(ctx,
		txn("tx-23", record.OriginServer, t0, record.Fields{{Name: "balance", Value: record.Int(1)}}),
		txn("tx-23", record.OriginClient, t0, record.Fields{{Name: "balance", Value: record.Int(2)}}),
	)
	require.NoError(t, err)

	sum := o.ResolveConflicts(ctx)
	assert.Equal(t, Summary{AutoResolved: 2, Skipped: 1, Failed: 1}, sum)
	assert.Equal(t, map[string]bool{"tx-20": true, "tx-22": true}, persisted)

	left := o.GetUnresolvedConflicts()
	require.Len(t, left, 2)
	assert.Equal(t, "tx-21", left[0].RecordID)
	assert.Equal(t, "tx-23", left[1].RecordID)
}

func TestConcurrentIngestAndResolve(t *testing.T) {
	sink := &memSink{}
	o := newOrchestrator(sink)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := o.Ingest(ctx,
				txn("tx-30", record.OriginServer, t0, record.Fields{{Name: "notes", Value: record.Text("server")}}),
				txn("tx-30", record.OriginClient, t0.Add(time.Duration(i)*time.Second), record.Fields{{Name: "notes", Value: record.Text(fmt.Sprint(i))}}),
			)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			for _, c := range o.GetUnresolvedConflicts() {
				_, err := o.ManualResolveConflict(ctx, c.ID, conflict.StrategyClient, nil)
				if err != nil {
					assert.ErrorIs(t, err, conflict.ErrNotFound)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(o.GetUnresolvedConflicts()), 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.persisted), len(sink.audits), "every persisted resolution is audited exactly once")
	seen := map[string]bool{}
	for _, c := range sink.audits {
		assert.False(t, seen[c.ID], "conflict %s resolved twice", c.ID)
		seen[c.ID] = true
	}
}
