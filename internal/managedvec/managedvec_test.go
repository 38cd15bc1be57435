package managedvec

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ionvault/persist/internal/migration"
	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/session"
	"github.com/ionvault/persist/internal/types"
)

func newTestVec(t *testing.T) (*Vec, *session.Session) {
	t.Helper()
	ctx := context.Background()
	db, err := session.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	desc := types.EntityDescriptor{
		TypeName:  "user",
		TableName: "users",
		Fields: []types.FieldDescriptor{
			{Name: "email", Kind: types.KindText, Unique: true},
			{Name: "name", Kind: types.KindText},
		},
	}
	plan := migration.Plan{CurrentVersion: 1, Steps: []migration.Step{{FromVersion: 0, ToVersion: 1}}}
	v, err := New(ctx, db, desc, plan, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, db
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	v, _ := newTestVec(t)
	ctx := context.Background()
	st, err := v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.Metadata.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", st.Metadata.Version)
	}
	got, err := v.Get(st.PersistID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Field("name").S != "Alice" {
		t.Fatalf("expected round-tripped name Alice, got %q", got.Field("name").S)
	}
}

func TestOptimisticLockConflict(t *testing.T) {
	v, _ := newTestVec(t)
	ctx := context.Background()
	st, _ := v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})

	_, err := v.ExecutePatchIfMatch(ctx, st.PersistID, st.Metadata.Version, map[string]types.Value{"name": types.Text("B")})
	if err != nil {
		t.Fatalf("first patch: %v", err)
	}
	_, err = v.ExecutePatchIfMatch(ctx, st.PersistID, st.Metadata.Version, map[string]types.Value{"name": types.Text("C")})
	if !perr.Is(err, perr.OptimisticLockConflict) {
		t.Fatalf("expected OptimisticLockConflict on stale version, got %v", err)
	}
	got, _ := v.Get(st.PersistID)
	if got.Field("name").S != "B" {
		t.Fatalf("expected name to remain B after rejected patch, got %q", got.Field("name").S)
	}
}

func TestUniqueConflictRollsBackInMemoryAndSQL(t *testing.T) {
	v, db := newTestVec(t)
	ctx := context.Background()
	_, _ = v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})

	_, err := v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Bob")})
	if !perr.Is(err, perr.UniqueConflict) {
		t.Fatalf("expected UniqueConflict, got %v", err)
	}
	if v.List(0, 10, nil); len(v.List(0, 10, nil)) != 1 {
		t.Fatalf("expected collection to remain at 1 entity after rollback")
	}
	var count int
	row := db.QueryRow(ctx, "SELECT COUNT(*) FROM users")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected SQL table to remain at 1 row after rollback, got %d", count)
	}
}

func TestDeleteIfMatch(t *testing.T) {
	v, _ := newTestVec(t)
	ctx := context.Background()
	st, _ := v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})

	err := v.ExecuteDeleteIfMatch(ctx, st.PersistID, st.Metadata.Version+1)
	if !perr.Is(err, perr.OptimisticLockConflict) {
		t.Fatalf("expected OptimisticLockConflict on wrong expected version, got %v", err)
	}
	if err := v.ExecuteDeleteIfMatch(ctx, st.PersistID, st.Metadata.Version); err != nil {
		t.Fatalf("ExecuteDeleteIfMatch: %v", err)
	}
	if _, err := v.Get(st.PersistID); !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestWorkflowRollsBackBothWhenRelatedInsertFails(t *testing.T) {
	ctx := context.Background()
	primary, db := newTestVec(t)
	relatedDesc := types.EntityDescriptor{
		TypeName:  "audit",
		TableName: "audits",
		Fields:    []types.FieldDescriptor{{Name: "note", Kind: types.KindText, Unique: true}},
	}
	plan := migration.Plan{CurrentVersion: 1, Steps: []migration.Step{{FromVersion: 0, ToVersion: 1}}}
	related, err := New(ctx, db, relatedDesc, plan, nil)
	if err != nil {
		t.Fatalf("New related: %v", err)
	}

	st, _ := primary.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})
	if _, err := related.Create(ctx, map[string]types.Value{"note": types.Text("taken")}); err != nil {
		t.Fatalf("seeding conflicting related record: %v", err)
	}

	_, _, err = primary.ExecuteWorkflowIfMatchWithCreate(ctx, related, st.PersistID, st.Metadata.Version, Workflow{
		Mutate: func(s *types.State) error {
			s.SetField("name", types.Text("Alice2"))
			return nil
		},
		ToRelatedRecord: func(updated types.State) (string, map[string]types.Value) {
			return "audit-2", map[string]types.Value{"note": types.Text("taken")}
		},
	})
	if !perr.Is(err, perr.UniqueConflict) {
		t.Fatalf("expected UniqueConflict from the related insert, got %v", err)
	}

	got, getErr := primary.Get(st.PersistID)
	if getErr != nil {
		t.Fatalf("Get after failed workflow: %v", getErr)
	}
	if got.Field("name").S != "Alice" {
		t.Fatalf("expected primary to remain unmutated after rollback, got name=%q", got.Field("name").S)
	}
	if got.Metadata.Version != st.Metadata.Version {
		t.Fatalf("expected primary version unchanged after rollback, got %d want %d", got.Metadata.Version, st.Metadata.Version)
	}

	var count int
	row := db.QueryRow(ctx, "SELECT COUNT(*) FROM audits")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected audits table to remain at 1 row after rollback, got %d", count)
	}
}

func TestForwardCompatWriteRefusedWhenSchemaVersionAhead(t *testing.T) {
	v, _ := newTestVec(t)
	ctx := context.Background()
	st, _ := v.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})

	ahead := st.Clone()
	ahead.Metadata.SchemaVersion = v.plan.CurrentVersion + 1
	if err := v.coll.Replace(ahead); err != nil {
		t.Fatalf("seeding ahead schema_version: %v", err)
	}

	_, err := v.ExecutePatchIfMatch(ctx, st.PersistID, ahead.Metadata.Version, map[string]types.Value{"name": types.Text("Bob")})
	if !perr.Is(err, perr.Validation) {
		t.Fatalf("expected Validation error for schema-version-ahead write, got %v", err)
	}
	var perrErr *perr.Error
	if !errors.As(err, &perrErr) || perrErr.Code != "schema-version-ahead" {
		t.Fatalf("expected code schema-version-ahead, got %+v", err)
	}
}

func TestWorkflowAtomicityCreatesBothOrNeither(t *testing.T) {
	ctx := context.Background()
	primary, db := newTestVec(t)
	relatedDesc := types.EntityDescriptor{
		TypeName:  "audit",
		TableName: "audits",
		Fields:    []types.FieldDescriptor{{Name: "note", Kind: types.KindText}},
	}
	plan := migration.Plan{CurrentVersion: 1, Steps: []migration.Step{{FromVersion: 0, ToVersion: 1}}}
	related, err := New(ctx, db, relatedDesc, plan, nil)
	if err != nil {
		t.Fatalf("New related: %v", err)
	}

	st, _ := primary.Create(ctx, map[string]types.Value{"email": types.Text("a@x.com"), "name": types.Text("Alice")})

	updated, relatedState, err := primary.ExecuteWorkflowIfMatchWithCreate(ctx, related, st.PersistID, st.Metadata.Version, Workflow{
		Mutate: func(s *types.State) error {
			s.SetField("name", types.Text("Alice2"))
			return nil
		},
		ToRelatedRecord: func(updated types.State) (string, map[string]types.Value) {
			return "audit-1", map[string]types.Value{"note": types.Text("renamed " + updated.PersistID)}
		},
	})
	if err != nil {
		t.Fatalf("ExecuteWorkflowIfMatchWithCreate: %v", err)
	}
	if updated.Field("name").S != "Alice2" {
		t.Fatalf("expected primary updated")
	}
	if relatedState.PersistID != "audit-1" {
		t.Fatalf("expected related record created")
	}
	if _, err := related.Get("audit-1"); err != nil {
		t.Fatalf("expected related record in collection: %v", err)
	}
}
