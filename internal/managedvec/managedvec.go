// Package managedvec implements atomic CRUD over an Indexed Collection
// backed by a SQL table, with the
// begin/mutate/save/finalize atomic-scope protocol, optimistic locking, and
// workflow fan-out across two collections. Grounded on
// persist::app::managed_vec and its indexed_crud/{create_paths,delete_paths}
// submodules, and the command-audit workflow in
// persist::app::aggregate_store::command_audit_workflow::workflow_ops.rs in
// the original source.
package managedvec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ionvault/persist/internal/collection"
	"github.com/ionvault/persist/internal/migration"
	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/session"
	"github.com/ionvault/persist/internal/types"
)

// fieldsPayload marshals a state's field bag for the Event.Payload of an
// upsert-kind event, so crash recovery replay (internal/runtime.Recover)
// can reconstruct the post-event field bag without re-running the
// handler.
func fieldsPayload(fields map[string]types.Value) ([]byte, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, perr.Internalf("failed to marshal field bag for journaling: %v", err)
	}
	return b, nil
}

// CommittedHook is invoked once an atomic scope's SQL transaction has
// committed successfully. It is called with the events produced by the
// scope, in order. The runtime's hook appends them to the journal and
// counts them toward the next snapshot; it neither takes a snapshot nor
// replicates to followers.
type CommittedHook func(ctx context.Context, events []types.Event)

// Vec is a ManagedPersistVec: a session-bound, atomically-mutated Indexed
// Collection for one entity type.
type Vec struct {
	desc    types.EntityDescriptor
	plan    migration.Plan
	coll    *collection.Vec
	db      *session.Session
	nowFn   func() time.Time
	onCommit CommittedHook
}

// New opens (creating the table if absent) a ManagedPersistVec over db for
// the given entity descriptor and migration plan.
func New(ctx context.Context, db *session.Session, desc types.EntityDescriptor, plan migration.Plan, onCommit CommittedHook) (*Vec, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	v := &Vec{
		desc:     desc,
		plan:     plan,
		coll:     collection.New(desc),
		db:       db,
		nowFn:    time.Now,
		onCommit: onCommit,
	}
	if err := v.ensureTable(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vec) now() time.Time { return v.nowFn() }

func (v *Vec) ensureTable(ctx context.Context) error {
	cols := baseColumns()
	for _, f := range v.desc.Fields {
		cols += ", " + f.Name + " " + types.Value{Kind: f.Kind}.SQLType()
	}
	if err := v.db.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+v.desc.TableName+" ("+cols+")"); err != nil {
		return err
	}
	return v.plan.EnsureTableSchemaVersion(ctx, v.db, v.desc.TableName)
}

func baseColumns() string {
	return "persist_id TEXT PRIMARY KEY, version INTEGER NOT NULL, schema_version INTEGER NOT NULL, " +
		"created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, last_touch_at INTEGER NOT NULL, touch_count INTEGER NOT NULL"
}

// scope captures the begin/mutate/save/finalize atomic-scope protocol.
// rollback is the Clone() of v.coll taken before mutate runs; body
// performs the in-memory mutation and SQL writes against tx; events is
// appended to by body for the CommittedHook.
type scope struct {
	v        *Vec
	rollback *collection.Vec
	txID     string
	events   []types.Event
}

func (v *Vec) runAtomic(ctx context.Context, body func(sc *scope, tx *session.Session) error) error {
	sc := &scope{v: v, rollback: v.coll.Clone(), txID: uuid.NewString()}
	err := v.db.WithTransaction(ctx, sc.txID, func(tx *session.Session) error {
		return body(sc, tx)
	})
	if err != nil {
		v.coll.RestoreFrom(sc.rollback)
		return mapErr(err)
	}
	if v.onCommit != nil {
		v.onCommit(ctx, sc.events)
	}
	return nil
}

// checkWritable refuses writes against a record whose recorded schema
// version is ahead of this Vec's migration plan, rather than silently
// downgrading or bumping it.
func (v *Vec) checkWritable(st types.State) error {
	if v.plan.IsAhead(st.Metadata.SchemaVersion) {
		return perr.Validationf("schema-version-ahead",
			"entity %q has schema_version %d ahead of plan current_version %d; upgrade before writing",
			st.PersistID, st.Metadata.SchemaVersion, v.plan.CurrentVersion)
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*perr.Error); ok {
		return err
	}
	return perr.StorageOrConflictf(err, "atomic scope failed")
}

func (v *Vec) insertRow(ctx context.Context, tx *session.Session, st types.State) error {
	cols := []string{"persist_id", "version", "schema_version", "created_at", "updated_at", "last_touch_at", "touch_count"}
	args := []any{st.PersistID, st.Metadata.Version, st.Metadata.SchemaVersion,
		st.Metadata.CreatedAt.UnixMilli(), st.Metadata.UpdatedAt.UnixMilli(), st.Metadata.LastTouchAt.UnixMilli(), st.Metadata.TouchCount}
	for _, f := range v.desc.Fields {
		cols = append(cols, f.Name)
		args = append(args, st.Field(f.Name).SQLArg())
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	query := "INSERT INTO " + v.desc.TableName + " (" + joinCols(cols) + ") VALUES (" + joinCols(placeholders) + ")"
	_, err := tx.ExecArgs(ctx, query, args...)
	if err != nil {
		return perr.StorageOrConflictf(err, "insert into %s failed", v.desc.TableName)
	}
	return nil
}

func (v *Vec) updateRow(ctx context.Context, tx *session.Session, st types.State) error {
	setClauses := "version = ?, schema_version = ?, updated_at = ?, last_touch_at = ?, touch_count = ?"
	args := []any{st.Metadata.Version, st.Metadata.SchemaVersion, st.Metadata.UpdatedAt.UnixMilli(), st.Metadata.LastTouchAt.UnixMilli(), st.Metadata.TouchCount}
	for _, f := range v.desc.Fields {
		setClauses += ", " + f.Name + " = ?"
		args = append(args, st.Field(f.Name).SQLArg())
	}
	args = append(args, st.PersistID)
	query := "UPDATE " + v.desc.TableName + " SET " + setClauses + " WHERE persist_id = ?"
	n, err := tx.ExecArgs(ctx, query, args...)
	if err != nil {
		return perr.StorageOrConflictf(err, "update %s failed", v.desc.TableName)
	}
	if n == 0 {
		return perr.NotFoundf("entity %q not found in table %s", st.PersistID, v.desc.TableName)
	}
	return nil
}

func (v *Vec) deleteRow(ctx context.Context, tx *session.Session, id string) error {
	n, err := tx.ExecArgs(ctx, "DELETE FROM "+v.desc.TableName+" WHERE persist_id = ?", id)
	if err != nil {
		return perr.StorageOrConflictf(err, "delete from %s failed", v.desc.TableName)
	}
	if n == 0 {
		return perr.NotFoundf("entity %q not found in table %s", id, v.desc.TableName)
	}
	return nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// Get returns the current in-memory state for id.
func (v *Vec) Get(id string) (types.State, error) {
	st, ok := v.coll.Get(id)
	if !ok {
		return types.State{}, perr.NotFoundf("entity %q not found", id)
	}
	return st, nil
}

// List returns a filtered, paged view of the collection.
func (v *Vec) List(offset, limit int, filter func(types.State) bool) []types.State {
	return v.coll.List(offset, limit, filter)
}

// FindByUnique looks up an entity by a unique field's value.
func (v *Vec) FindByUnique(field string, value types.Value) (types.State, bool) {
	return v.coll.FindByUnique(field, value)
}

// Create inserts a new entity with version 1, always assigning a fresh
// persist_id via google/uuid.
func (v *Vec) Create(ctx context.Context, fields map[string]types.Value) (types.State, error) {
	states, err := v.CreateMany(ctx, []map[string]types.Value{fields})
	if err != nil {
		return types.State{}, err
	}
	return states[0], nil
}

// CreateMany inserts several new entities in one atomic scope.
func (v *Vec) CreateMany(ctx context.Context, fieldSets []map[string]types.Value) ([]types.State, error) {
	var created []types.State
	err := v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		now := v.now()
		for _, fields := range fieldSets {
			st := types.State{
				PersistID: uuid.NewString(),
				TypeName:  v.desc.TypeName,
				TableName: v.desc.TableName,
				Metadata:  types.NewMetadata(now, v.plan.CurrentVersion),
				Fields:    fields,
			}
			st.Metadata.BumpVersion(now)
			if err := v.coll.AddOne(st); err != nil {
				return err
			}
			if err := v.insertRow(ctx, tx, st); err != nil {
				return err
			}
			payload, err := fieldsPayload(st.Fields)
			if err != nil {
				return err
			}
			sc.events = append(sc.events, types.Event{
				EntityType: v.desc.TypeName, PersistID: st.PersistID, Kind: types.EventUpsert,
				Payload: payload, ProducedVersion: st.Metadata.Version, Timestamp: now,
			})
			created = append(created, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Patch unconditionally applies field updates to an existing entity.
func (v *Vec) Patch(ctx context.Context, id string, patch map[string]types.Value) (types.State, error) {
	return v.ExecutePatchIfMatch(ctx, id, -1, patch)
}

// ExecutePatchIfMatch applies patch only if the stored version equals
// expectedVersion, or unconditionally when expectedVersion < 0.
func (v *Vec) ExecutePatchIfMatch(ctx context.Context, id string, expectedVersion int64, patch map[string]types.Value) (types.State, error) {
	var result types.State
	err := v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		st, ok := v.coll.Get(id)
		if !ok {
			return perr.NotFoundf("entity %q not found", id)
		}
		if expectedVersion >= 0 && st.Metadata.Version != expectedVersion {
			return perr.OptimisticLockConflictf("entity %q expected version %d, found %d", id, expectedVersion, st.Metadata.Version)
		}
		if err := v.checkWritable(st); err != nil {
			return err
		}
		next := st.Clone()
		for k, val := range patch {
			next.SetField(k, val)
		}
		next.Metadata.BumpVersion(v.now())
		if err := v.coll.Replace(next); err != nil {
			return err
		}
		if err := v.updateRow(ctx, tx, next); err != nil {
			return err
		}
		payload, err := fieldsPayload(next.Fields)
		if err != nil {
			return err
		}
		sc.events = append(sc.events, types.Event{
			EntityType: v.desc.TypeName, PersistID: id, Kind: types.EventUpsert,
			Payload: payload, ProducedVersion: next.Metadata.Version, Timestamp: v.now(),
		})
		result = next
		return nil
	})
	if err != nil {
		return types.State{}, err
	}
	return result, nil
}

// Delete unconditionally removes an entity.
func (v *Vec) Delete(ctx context.Context, id string) error {
	return v.ExecuteDeleteIfMatch(ctx, id, -1)
}

// ExecuteDeleteIfMatch removes an entity only if its version matches.
func (v *Vec) ExecuteDeleteIfMatch(ctx context.Context, id string, expectedVersion int64) error {
	return v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		st, ok := v.coll.Get(id)
		if !ok {
			return perr.NotFoundf("entity %q not found", id)
		}
		if expectedVersion >= 0 && st.Metadata.Version != expectedVersion {
			return perr.OptimisticLockConflictf("entity %q expected version %d, found %d", id, expectedVersion, st.Metadata.Version)
		}
		if err := v.checkWritable(st); err != nil {
			return err
		}
		if err := v.coll.RemoveByPersistID(id); err != nil {
			return err
		}
		if err := v.deleteRow(ctx, tx, id); err != nil {
			return err
		}
		sc.events = append(sc.events, types.Event{
			EntityType: v.desc.TypeName, PersistID: id, Kind: types.EventDelete,
			ProducedVersion: st.Metadata.Version + 1, Timestamp: v.now(),
		})
		return nil
	})
}

// Command applies a named, journaled mutation to an entity's field bag.
// mutate receives a mutable clone of the current state and must only touch
// its Fields, matching the deterministic command handler contract.
type Command struct {
	Name                 string
	PayloadSchemaVersion int
	Payload              []byte
	Mutate               func(state *types.State) error
}

// ExecuteCommandIfMatch applies cmd to an entity only if its version
// matches expectedVersion.
func (v *Vec) ExecuteCommandIfMatch(ctx context.Context, id string, expectedVersion int64, cmd Command) (types.State, error) {
	var result types.State
	err := v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		st, ok := v.coll.Get(id)
		if !ok {
			return perr.NotFoundf("entity %q not found", id)
		}
		if expectedVersion >= 0 && st.Metadata.Version != expectedVersion {
			return perr.OptimisticLockConflictf("entity %q expected version %d, found %d", id, expectedVersion, st.Metadata.Version)
		}
		if err := v.checkWritable(st); err != nil {
			return err
		}
		next := st.Clone()
		if err := cmd.Mutate(&next); err != nil {
			return perr.Validationf("command-handler-failed", "command %q failed: %v", cmd.Name, err)
		}
		now := v.now()
		next.Metadata.BumpVersion(now)
		if err := v.coll.Replace(next); err != nil {
			return err
		}
		if err := v.updateRow(ctx, tx, next); err != nil {
			return err
		}
		sc.events = append(sc.events, types.Event{
			EntityType: v.desc.TypeName, PersistID: id, Kind: types.EventCommand,
			CommandName: cmd.Name, Payload: cmd.Payload, PayloadSchemaVersion: cmd.PayloadSchemaVersion,
			ProducedVersion: next.Metadata.Version, Timestamp: now,
		})
		result = next
		return nil
	})
	if err != nil {
		return types.State{}, err
	}
	return result, nil
}

// Workflow describes a fan-out mutation touching the primary entity and a
// related record in a secondary collection, grounded on
// command_audit_workflow::workflow_ops.rs's ToPersistCommand /
// ToRelatedRecord trait pair.
type Workflow struct {
	Mutate           func(state *types.State) error
	ToRelatedRecord  func(updated types.State) (persistID string, fields map[string]types.Value)
}

// ExecuteWorkflowIfMatchWithCreate atomically updates the primary entity
// and creates a related record in other, or does neither.
func (v *Vec) ExecuteWorkflowIfMatchWithCreate(ctx context.Context, other *Vec, id string, expectedVersion int64, wf Workflow) (types.State, types.State, error) {
	var primary, related types.State
	otherRollback := other.coll.Clone()
	err := v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		st, ok := v.coll.Get(id)
		if !ok {
			return perr.NotFoundf("entity %q not found", id)
		}
		if expectedVersion >= 0 && st.Metadata.Version != expectedVersion {
			return perr.OptimisticLockConflictf("entity %q expected version %d, found %d", id, expectedVersion, st.Metadata.Version)
		}
		if err := v.checkWritable(st); err != nil {
			return err
		}
		next := st.Clone()
		if err := wf.Mutate(&next); err != nil {
			return perr.Validationf("workflow-mutate-failed", "workflow mutate failed: %v", err)
		}
		next.Metadata.BumpVersion(v.now())
		if err := v.coll.Replace(next); err != nil {
			return err
		}
		if err := v.updateRow(ctx, tx, next); err != nil {
			return err
		}

		relatedID, relatedFields := wf.ToRelatedRecord(next)
		now := v.now()
		relatedState := types.State{
			PersistID: relatedID, TypeName: other.desc.TypeName, TableName: other.desc.TableName,
			Metadata: types.NewMetadata(now, other.plan.CurrentVersion), Fields: relatedFields,
		}
		relatedState.Metadata.BumpVersion(now)
		if err := other.coll.AddOne(relatedState); err != nil {
			return err
		}
		if err := other.insertRow(ctx, tx, relatedState); err != nil {
			other.coll.RemoveByPersistID(relatedID)
			return err
		}

		primaryPayload, err := fieldsPayload(next.Fields)
		if err != nil {
			return err
		}
		relatedPayload, err := fieldsPayload(relatedState.Fields)
		if err != nil {
			return err
		}
		sc.events = append(sc.events,
			types.Event{EntityType: v.desc.TypeName, PersistID: id, Kind: types.EventUpsert, Payload: primaryPayload, ProducedVersion: next.Metadata.Version, Timestamp: now},
			types.Event{EntityType: other.desc.TypeName, PersistID: relatedID, Kind: types.EventUpsert, Payload: relatedPayload, ProducedVersion: relatedState.Metadata.Version, Timestamp: now},
		)
		primary, related = next, relatedState
		return nil
	})
	if err != nil {
		other.coll.RestoreFrom(otherRollback)
		return types.State{}, types.State{}, err
	}
	return primary, related, nil
}

// ManyWorkflow is the batch form of Workflow's Mutate, applied per id.
type ManyWorkflow struct {
	Mutate          func(id string, state *types.State) error
	ToRelatedRecord func(id string, updated types.State) (persistID string, fields map[string]types.Value)
}

// ExecuteWorkflowForManyWithCreateMany runs a workflow across every id in
// ids within a single atomic scope: all primary updates and all related
// inserts commit together, or none do.
func (v *Vec) ExecuteWorkflowForManyWithCreateMany(ctx context.Context, other *Vec, ids []string, wf ManyWorkflow) ([]types.State, []types.State, error) {
	var primaries, relateds []types.State
	otherRollback := other.coll.Clone()
	err := v.runAtomic(ctx, func(sc *scope, tx *session.Session) error {
		now := v.now()
		for _, id := range ids {
			st, ok := v.coll.Get(id)
			if !ok {
				return perr.NotFoundf("entity %q not found", id)
			}
			if err := v.checkWritable(st); err != nil {
				return err
			}
			next := st.Clone()
			if err := wf.Mutate(id, &next); err != nil {
				return perr.Validationf("workflow-mutate-failed", "workflow mutate failed for %q: %v", id, err)
			}
			next.Metadata.BumpVersion(now)
			if err := v.coll.Replace(next); err != nil {
				return err
			}
			if err := v.updateRow(ctx, tx, next); err != nil {
				return err
			}

			relatedID, relatedFields := wf.ToRelatedRecord(id, next)
			relatedState := types.State{
				PersistID: relatedID, TypeName: other.desc.TypeName, TableName: other.desc.TableName,
				Metadata: types.NewMetadata(now, other.plan.CurrentVersion), Fields: relatedFields,
			}
			relatedState.Metadata.BumpVersion(now)
			if err := other.coll.AddOne(relatedState); err != nil {
				return err
			}
			if err := other.insertRow(ctx, tx, relatedState); err != nil {
				other.coll.RemoveByPersistID(relatedID)
				return err
			}

			primaryPayload, err := fieldsPayload(next.Fields)
			if err != nil {
				return err
			}
			relatedPayload, err := fieldsPayload(relatedState.Fields)
			if err != nil {
				return err
			}
			sc.events = append(sc.events,
				types.Event{EntityType: v.desc.TypeName, PersistID: id, Kind: types.EventUpsert, Payload: primaryPayload, ProducedVersion: next.Metadata.Version, Timestamp: now},
				types.Event{EntityType: other.desc.TypeName, PersistID: relatedID, Kind: types.EventUpsert, Payload: relatedPayload, ProducedVersion: relatedState.Metadata.Version, Timestamp: now},
			)
			primaries = append(primaries, next)
			relateds = append(relateds, relatedState)
		}
		return nil
	})
	if err != nil {
		other.coll.RestoreFrom(otherRollback)
		return nil, nil, err
	}
	return primaries, relateds, nil
}

// LoadSnapshot rebuilds the in-memory collection from a previously captured
// snapshot's states, bypassing the atomic scope since this runs before the
// collection is exposed to callers.
func (v *Vec) LoadSnapshot(states []types.State) {
	v.coll.LoadSnapshot(states)
}

// ApplyReplayedEvent re-applies a single journaled event without going
// through the atomic scope or emitting a new event, used during crash
// recovery replay.
func (v *Vec) ApplyReplayedEvent(ev types.Event, resultingFields map[string]types.Value) error {
	switch ev.Kind {
	case types.EventDelete:
		if _, ok := v.coll.Get(ev.PersistID); ok {
			return v.coll.RemoveByPersistID(ev.PersistID)
		}
		return nil
	default: // EventUpsert, EventCommand, EventRuntimeClosure all replay as upserts
		st, ok := v.coll.Get(ev.PersistID)
		if !ok {
			st = types.State{
				PersistID: ev.PersistID, TypeName: v.desc.TypeName, TableName: v.desc.TableName,
				Metadata: types.NewMetadata(ev.Timestamp, v.plan.CurrentVersion),
			}
			st.Metadata.Version = ev.ProducedVersion
			st.Metadata.Persisted = true
			st.Fields = resultingFields
			return v.coll.AddOne(st)
		}
		st.Fields = resultingFields
		st.Metadata.Version = ev.ProducedVersion
		st.Metadata.UpdatedAt = ev.Timestamp
		st.Metadata.LastTouchAt = ev.Timestamp
		return v.coll.Replace(st)
	}
}

// Descriptor exposes the entity descriptor this Vec was opened with.
func (v *Vec) Descriptor() types.EntityDescriptor { return v.desc }

// Snapshot captures the collection's full current contents for the
// snapshot worker.
func (v *Vec) Snapshot(mode types.SnapshotMode, watermark uint64) types.Snapshot {
	return types.Snapshot{
		FormatVersion: types.FormatVersion,
		CreatedAtMS:   v.now().UnixMilli(),
		Mode:          mode,
		VecName:       v.desc.TypeName,
		TypeName:      v.desc.TypeName,
		TableName:     v.desc.TableName,
		SchemaVersion: v.plan.CurrentVersion,
		Watermark:     watermark,
		States:        v.coll.States(),
	}
}
