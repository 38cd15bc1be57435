package collection

import (
	"testing"
	"time"

	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/types"
)

func newTestVec() *Vec {
	return New(types.EntityDescriptor{
		TypeName:  "user",
		TableName: "users",
		Fields: []types.FieldDescriptor{
			{Name: "email", Kind: types.KindText, Unique: true},
			{Name: "name", Kind: types.KindText},
		},
	})
}

func newState(id, email, name string) types.State {
	now := time.Now()
	st := types.State{PersistID: id, TypeName: "user", TableName: "users", Metadata: types.NewMetadata(now, 1)}
	st.SetField("email", types.Text(email))
	st.SetField("name", types.Text(name))
	return st
}

func TestAddOneEnforcesUniqueEmail(t *testing.T) {
	v := newTestVec()
	if err := v.AddOne(newState("u1", "a@x.com", "Alice")); err != nil {
		t.Fatalf("AddOne: %v", err)
	}
	err := v.AddOne(newState("u2", "a@x.com", "Bob"))
	if !perr.Is(err, perr.UniqueConflict) {
		t.Fatalf("expected UniqueConflict, got %v", err)
	}
}

func TestFindByUnique(t *testing.T) {
	v := newTestVec()
	_ = v.AddOne(newState("u1", "a@x.com", "Alice"))
	st, ok := v.FindByUnique("email", types.Text("a@x.com"))
	if !ok || st.PersistID != "u1" {
		t.Fatalf("expected u1 found by unique email, got (%v, %v)", st, ok)
	}
	_, ok = v.FindByUnique("email", types.Text("missing@x.com"))
	if ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestCloneAndRestoreFromRollback(t *testing.T) {
	v := newTestVec()
	_ = v.AddOne(newState("u1", "a@x.com", "Alice"))
	snapshot := v.Clone()

	_ = v.AddOne(newState("u2", "b@x.com", "Bob"))
	if v.Len() != 2 {
		t.Fatalf("expected 2 entities after mutation, got %d", v.Len())
	}

	v.RestoreFrom(snapshot)
	if v.Len() != 1 {
		t.Fatalf("expected rollback to restore 1 entity, got %d", v.Len())
	}
	if _, ok := v.Get("u2"); ok {
		t.Fatalf("expected u2 to be gone after rollback")
	}
	if _, ok := v.FindByUnique("email", types.Text("b@x.com")); ok {
		t.Fatalf("expected unique index to roll back along with contents")
	}
}

func TestRemoveByPersistIDClearsUniqueIndex(t *testing.T) {
	v := newTestVec()
	_ = v.AddOne(newState("u1", "a@x.com", "Alice"))
	if err := v.RemoveByPersistID("u1"); err != nil {
		t.Fatalf("RemoveByPersistID: %v", err)
	}
	if err := v.AddOne(newState("u2", "a@x.com", "Alice2")); err != nil {
		t.Fatalf("expected email reusable after removal, got %v", err)
	}
}

func TestRemoveByPersistIDNotFound(t *testing.T) {
	v := newTestVec()
	err := v.RemoveByPersistID("missing")
	if !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAddManyRollsBackOnPartialFailure(t *testing.T) {
	v := newTestVec()
	err := v.AddMany([]types.State{
		newState("u1", "a@x.com", "Alice"),
		newState("u2", "a@x.com", "Dup"),
	})
	if !perr.Is(err, perr.UniqueConflict) {
		t.Fatalf("expected UniqueConflict, got %v", err)
	}
	if v.Len() != 0 {
		t.Fatalf("expected AddMany to roll back all insertions, got len=%d", v.Len())
	}
}

func TestListPaging(t *testing.T) {
	v := newTestVec()
	_ = v.AddOne(newState("u1", "a@x.com", "Alice"))
	_ = v.AddOne(newState("u2", "b@x.com", "Bob"))
	_ = v.AddOne(newState("u3", "c@x.com", "Carl"))
	page := v.List(1, 1, nil)
	if len(page) != 1 {
		t.Fatalf("expected one entity in page, got %d", len(page))
	}
}

func TestLoadSnapshotRebuildsIndex(t *testing.T) {
	v := newTestVec()
	states := []types.State{newState("u1", "a@x.com", "Alice")}
	v.LoadSnapshot(states)
	if v.Len() != 1 {
		t.Fatalf("expected 1 entity after LoadSnapshot, got %d", v.Len())
	}
	if _, ok := v.FindByUnique("email", types.Text("a@x.com")); !ok {
		t.Fatalf("expected unique index rebuilt from snapshot")
	}
}
