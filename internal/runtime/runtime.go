package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ionvault/persist/internal/config"
	"github.com/ionvault/persist/internal/journal"
	"github.com/ionvault/persist/internal/managedvec"
	"github.com/ionvault/persist/internal/migration"
	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/session"
	"github.com/ionvault/persist/internal/types"
)

// collectionState bundles a ManagedPersistVec with its journal and the
// snapshot-due bookkeeping the background worker consults: every N events
// or every T ms since last, whichever comes first.
type collectionState struct {
	vec             *managedvec.Vec
	log             *journal.Store
	seq             atomic.Uint64
	eventsSinceSnap atomic.Uint64
	lastSnapshotAt  atomic.Int64 // unix ms
	watermark       atomic.Uint64
}

// Runtime is PersistEntityRuntime: the hot entity cache, handler registries,
// per-entity mailbox map, and global inflight permit pool.
type Runtime struct {
	log *slog.Logger

	mu          sync.RWMutex
	collections map[string]*collectionState

	handlers  *handlerRegistry
	mailboxes *mailboxRegistry
	permits   *permitPool
	policy    config.Policy

	stopSnapshotWorker context.CancelFunc
	snapshotWorkerWG    sync.WaitGroup
}

// New constructs a Runtime bound to policy, with an idle mailbox eviction
// window of idleAfter.
func New(policy config.Policy, idleAfter time.Duration, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		log:         log,
		collections: make(map[string]*collectionState),
		handlers:    newHandlerRegistry(),
		mailboxes:   newMailboxRegistry(idleAfter),
		permits:     newPermitPool(policy.MaxInflightCommands),
		policy:      policy,
	}
}

// RegisterCollection opens (or reopens) a ManagedPersistVec and its journal
// for one entity type, wiring the vec's CommittedHook to append events and
// track snapshot-due state.
func (r *Runtime) RegisterCollection(ctx context.Context, root string, db *session.Session, desc types.EntityDescriptor, plan migration.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := journal.Open(root, desc.TableName)
	if err != nil {
		return err
	}
	cs := &collectionState{log: log}

	nextSeq, err := log.NextSeq()
	if err != nil {
		return err
	}
	cs.seq.Store(nextSeq - 1)

	vec, err := managedvec.New(ctx, db, desc, plan, func(ctx context.Context, events []types.Event) {
		r.onCommitted(desc.TypeName, cs, events)
	})
	if err != nil {
		return err
	}
	cs.vec = vec
	r.collections[desc.TypeName] = cs
	return nil
}

func (r *Runtime) onCommitted(entityType string, cs *collectionState, events []types.Event) {
	for i := range events {
		events[i].Seq = cs.seq.Add(1)
		if err := cs.log.Append(events[i]); err != nil {
			r.log.Error("journal append failed", "entity_type", entityType, "error", err)
		}
	}
	cs.eventsSinceSnap.Add(uint64(len(events)))
}

// Collection returns the ManagedPersistVec registered for entityType.
func (r *Runtime) Collection(entityType string) (*managedvec.Vec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.collections[entityType]
	if !ok {
		return nil, false
	}
	return cs.vec, true
}

// RegisterDeterministicCommand registers a journaled, replayable command
// handler for entityType.
func (r *Runtime) RegisterDeterministicCommand(entityType, commandName string, payloadSchemaVersion int, h DeterministicCommandHandler) {
	r.handlers.registerDeterministic(entityType, commandName, payloadSchemaVersion, h)
}

// RegisterEnvelopeHandler registers a journaled handler that may also
// declare side effects.
func (r *Runtime) RegisterEnvelopeHandler(entityType, commandName string, payloadSchemaVersion int, h DeterministicEnvelopeHandler) {
	r.handlers.registerEnvelope(entityType, commandName, payloadSchemaVersion, h)
}

// RegisterRuntimeClosure registers a non-replayable closure handler.
func (r *Runtime) RegisterRuntimeClosure(entityType, commandName string, h RuntimeClosureHandler) {
	r.handlers.registerClosure(entityType, commandName, h)
}

// RegisterCommandPayloadMigration registers a transform from fromVersion to
// fromVersion+1 for (entityType, commandName)'s payload.
func (r *Runtime) RegisterCommandPayloadMigration(entityType, commandName string, fromVersion int, m CommandPayloadMigrator) {
	r.handlers.registerPayloadMigration(entityType, commandName, fromVersion, m)
}

// DispatchResult carries a dispatched command's outcome.
type DispatchResult struct {
	State       types.State
	SideEffects []SideEffect
	ClosureResult any
}

// Dispatch runs the named command against one entity under that entity's
// mailbox and the global inflight permit pool. It acquires a permit, then the
// entity's mailbox lock, migrates the payload to the handler's expected
// version, and executes according to the handler's registered kind.
func (r *Runtime) Dispatch(ctx context.Context, entityType, persistID string, expectedVersion int64, commandName string, payloadSchemaVersion int, payload json.RawMessage) (DispatchResult, error) {
	if err := r.permits.acquire(ctx); err != nil {
		return DispatchResult{}, perr.Wrap(perr.Internal, "permit-acquire-failed", "failed to acquire inflight permit", err)
	}
	defer r.permits.release()

	r.mu.RLock()
	cs, ok := r.collections[entityType]
	r.mu.RUnlock()
	if !ok {
		return DispatchResult{}, perr.NotFoundf("no collection registered for entity type %q", entityType)
	}

	entry, ok := r.handlers.lookup(entityType, commandName)
	if !ok {
		return DispatchResult{}, perr.NotFoundf("no handler registered for %s/%s", entityType, commandName)
	}

	var result DispatchResult
	entityKey := entityType + ":" + persistID
	err := r.mailboxes.withLock(ctx, entityKey, func() error {
		migrated := payload
		if entry.kind != KindRuntimeClosure {
			m, err := r.handlers.migratePayload(entityType, commandName, payload, payloadSchemaVersion, entry.payloadSchemaVersion)
			if err != nil {
				return perr.Validationf("payload-migration-failed", "payload migration failed for %s/%s: %v", entityType, commandName, err)
			}
			migrated = m
		}

		switch entry.kind {
		case KindDeterministicCommand:
			st, err := cs.vec.ExecuteCommandIfMatch(ctx, persistID, expectedVersion, managedvec.Command{
				Name: commandName, PayloadSchemaVersion: entry.payloadSchemaVersion, Payload: migrated,
				Mutate: func(state *types.State) error { return entry.deterministic(state, migrated) },
			})
			if err != nil {
				return err
			}
			result.State = st
			return nil

		case KindDeterministicEnvelope:
			var effects []SideEffect
			st, err := cs.vec.ExecuteCommandIfMatch(ctx, persistID, expectedVersion, managedvec.Command{
				Name: commandName, PayloadSchemaVersion: entry.payloadSchemaVersion, Payload: migrated,
				Mutate: func(state *types.State) error {
					se, err := entry.envelope(state, migrated)
					effects = se
					return err
				},
			})
			if err != nil {
				return err
			}
			result.State = st
			result.SideEffects = effects
			return nil

		case KindRuntimeClosure:
			current, err := cs.vec.Get(persistID)
			if err != nil {
				return err
			}
			if expectedVersion >= 0 && current.Metadata.Version != expectedVersion {
				return perr.OptimisticLockConflictf("entity %q expected version %d, found %d", persistID, expectedVersion, current.Metadata.Version)
			}
			draft := current.Clone()
			value, err := entry.closure(ctx, &draft, payload)
			if err != nil {
				return perr.Validationf("closure-handler-failed", "runtime closure %q failed: %v", commandName, err)
			}
			st, err := cs.vec.ExecutePatchIfMatch(ctx, persistID, expectedVersion, draft.Fields)
			if err != nil {
				return err
			}
			result.State = st
			result.ClosureResult = value
			return nil

		default:
			return perr.Internalf("unknown handler kind for %s/%s", entityType, commandName)
		}
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return result, nil
}

// Recover replays every registered collection from its latest snapshot plus
// the journal suffix after its watermark.
func (r *Runtime) Recover(ctx context.Context) error {
	r.mu.RLock()
	states := make(map[string]*collectionState, len(r.collections))
	for k, v := range r.collections {
		states[k] = v
	}
	r.mu.RUnlock()

	for entityType, cs := range states {
		snap, ok, err := cs.log.LatestSnapshot()
		watermark := uint64(0)
		if err != nil {
			return err
		}
		if ok {
			cs.vec.LoadSnapshot(snap.States)
			watermark = snap.Watermark
		}
		events, tailTruncated, err := cs.log.ReadFrom(watermark)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fields, err := r.resolveReplayFields(entityType, cs, ev)
			if err != nil {
				r.log.Error("replay skipped malformed event", "entity_type", entityType, "seq", ev.Seq, "error", err)
				continue
			}
			if err := cs.vec.ApplyReplayedEvent(ev, fields); err != nil {
				r.log.Error("replay failed", "entity_type", entityType, "seq", ev.Seq, "error", err)
				continue
			}
			if ev.Seq > cs.seq.Load() {
				cs.seq.Store(ev.Seq)
			}
		}
		if tailTruncated {
			r.log.Warn("journal tail truncated during recovery; replay stopped at the last intact record", "entity_type", entityType)
		}
	}
	return nil
}

// resolveReplayFields recovers the post-event field bag for replay.
// Upsert and runtime_closure events carry the resulting field bag directly
// as their JSON Payload, since a closure can't be re-executed deterministically.
// Command events carry the original command payload and are replayed
// exactly: the deterministic handler is re-invoked against a clone of the
// entity's pre-event state, so replay reproduces the original mutation
// exactly.
func (r *Runtime) resolveReplayFields(entityType string, cs *collectionState, ev types.Event) (map[string]types.Value, error) {
	if ev.Kind == types.EventDelete {
		return nil, nil
	}
	if ev.Kind != types.EventCommand {
		if len(ev.Payload) == 0 {
			return nil, nil
		}
		var fields map[string]types.Value
		if err := json.Unmarshal(ev.Payload, &fields); err != nil {
			return nil, err
		}
		return fields, nil
	}

	entry, ok := r.handlers.lookup(entityType, ev.CommandName)
	if !ok || entry.kind != KindDeterministicCommand {
		return nil, perr.Internalf("no deterministic handler registered for %s/%s to replay command event", entityType, ev.CommandName)
	}
	payload, err := r.handlers.migratePayload(entityType, ev.CommandName, ev.Payload, ev.PayloadSchemaVersion, entry.payloadSchemaVersion)
	if err != nil {
		return nil, err
	}
	draft, _ := cs.vec.Get(ev.PersistID) // zero value if not found: first event for this entity
	draft = draft.Clone()
	if err := entry.deterministic(&draft, payload); err != nil {
		return nil, err
	}
	return draft.Fields, nil
}

// snapshotDue reports whether cs should be snapshotted per policy
// (every N events or every T ms since last, whichever comes first).
func (r *Runtime) snapshotDue(cs *collectionState, now time.Time) bool {
	if cs.eventsSinceSnap.Load() >= uint64(r.policy.Snapshot.EveryNEvents) {
		return true
	}
	last := cs.lastSnapshotAt.Load()
	if last == 0 {
		return true
	}
	return now.Sub(time.UnixMilli(last)) >= r.policy.Snapshot.EveryT()
}

// snapshotOne takes a snapshot of one collection and truncates its covered
// journal suffix, recording errors rather than propagating them: a
// snapshot failure is logged, not fatal to the runtime.
func (r *Runtime) snapshotOne(entityType string, cs *collectionState) {
	watermark := cs.seq.Load()
	snap := cs.vec.Snapshot(types.SnapshotWithData, watermark)
	if _, err := cs.log.WriteSnapshot(snap); err != nil {
		r.log.Error("snapshot write failed", "entity_type", entityType, "error", err)
		return
	}
	if err := cs.log.TruncateThrough(watermark); err != nil {
		r.log.Error("journal truncation failed", "entity_type", entityType, "error", err)
		return
	}
	cs.eventsSinceSnap.Store(0)
	cs.lastSnapshotAt.Store(snap.CreatedAtMS)
	cs.watermark.Store(watermark)
}

// StartSnapshotWorker spawns the background snapshot worker, grounded on
// persist::runtime::support::worker::spawn_runtime_snapshot_worker. It is a
// no-op if snapshot.background_worker_interval_ms is unset.
func (r *Runtime) StartSnapshotWorker(ctx context.Context) {
	if !r.policy.SnapshotWorkerEnabled() {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	r.stopSnapshotWorker = cancel
	interval := time.Duration(r.policy.Snapshot.BackgroundWorkerIntervalMS) * time.Millisecond

	r.snapshotWorkerWG.Add(1)
	go func() {
		defer r.snapshotWorkerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				r.runSnapshotSweep()
				r.mailboxes.evictIdle(time.Now())
			}
		}
	}()
}

func (r *Runtime) runSnapshotSweep() {
	r.mu.RLock()
	snapshot := make(map[string]*collectionState, len(r.collections))
	for k, v := range r.collections {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	now := time.Now()
	for entityType, cs := range snapshot {
		if r.snapshotDue(cs, now) {
			r.snapshotOne(entityType, cs)
		}
	}
}

// StopSnapshotWorker signals the background worker to stop and waits for it
// to finish.
func (r *Runtime) StopSnapshotWorker() {
	if r.stopSnapshotWorker != nil {
		r.stopSnapshotWorker()
	}
	r.snapshotWorkerWG.Wait()
}
