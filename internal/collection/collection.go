// Package collection implements an in-memory vector of entities keyed by
// persist_id, with a secondary hash-map index for fields marked unique.
// Grounded on
// persist::app::managed_vec's underlying Vec<PersistState> plus its
// unique-index maintenance in
// persist::app::managed_vec::indexed_crud::{create_paths,delete_paths} in
// the original source.
package collection

import (
	"fmt"
	"sort"

	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/types"
)

// Vec is the Indexed Collection: an ordered set of entity states keyed by
// persist_id, with O(1) unique-field lookups.
type Vec struct {
	TypeName  string
	TableName string
	Fields    []types.FieldDescriptor

	order   []string // persist_id, insertion order
	byID    map[string]types.State
	uniques map[string]map[string]string // field name -> index key -> persist_id
}

// New returns an empty collection for the given entity descriptor.
func New(desc types.EntityDescriptor) *Vec {
	v := &Vec{
		TypeName:  desc.TypeName,
		TableName: desc.TableName,
		Fields:    desc.Fields,
		byID:      make(map[string]types.State),
		uniques:   make(map[string]map[string]string),
	}
	for _, f := range desc.Fields {
		if f.Unique {
			v.uniques[f.Name] = make(map[string]string)
		}
	}
	return v
}

// Clone returns a deep, independently mutable copy, used as the in-memory
// rollback snapshot at the start of an atomic scope.
func (v *Vec) Clone() *Vec {
	out := &Vec{
		TypeName:  v.TypeName,
		TableName: v.TableName,
		Fields:    v.Fields,
		order:     append([]string(nil), v.order...),
		byID:      make(map[string]types.State, len(v.byID)),
		uniques:   make(map[string]map[string]string, len(v.uniques)),
	}
	for id, st := range v.byID {
		out.byID[id] = st.Clone()
	}
	for field, idx := range v.uniques {
		m := make(map[string]string, len(idx))
		for k, id := range idx {
			m[k] = id
		}
		out.uniques[field] = m
	}
	return out
}

// RestoreFrom overwrites v's contents with a previously captured snapshot,
// used on atomic-scope rollback.
func (v *Vec) RestoreFrom(snapshot *Vec) {
	v.order = snapshot.order
	v.byID = snapshot.byID
	v.uniques = snapshot.uniques
}

// checkUnique reports a UniqueConflict if state's unique fields collide
// with a different persist_id already present.
func (v *Vec) checkUnique(state types.State) error {
	for field, idx := range v.uniques {
		val := state.Field(field)
		if val.IsNull() {
			continue
		}
		key := val.IndexKey()
		if existing, ok := idx[key]; ok && existing != state.PersistID {
			return perr.UniqueConflictf("unique-field-conflict",
				"field %q value already used by persist_id %q", field, existing)
		}
	}
	return nil
}

func (v *Vec) indexInsert(state types.State) {
	for field, idx := range v.uniques {
		val := state.Field(field)
		if val.IsNull() {
			continue
		}
		idx[val.IndexKey()] = state.PersistID
	}
}

func (v *Vec) indexRemove(state types.State) {
	for field, idx := range v.uniques {
		val := state.Field(field)
		if val.IsNull() {
			continue
		}
		if idx[val.IndexKey()] == state.PersistID {
			delete(idx, val.IndexKey())
		}
	}
}

// AddOne inserts a new entity, enforcing unique-field constraints.
func (v *Vec) AddOne(state types.State) error {
	if _, exists := v.byID[state.PersistID]; exists {
		return perr.New(perr.Internal, "duplicate-persist-id",
			fmt.Sprintf("persist_id %q already present in collection", state.PersistID))
	}
	if err := v.checkUnique(state); err != nil {
		return err
	}
	v.byID[state.PersistID] = state
	v.order = append(v.order, state.PersistID)
	v.indexInsert(state)
	return nil
}

// AddMany inserts every state, rolling back all insertions already applied
// in this call if any one fails its unique check.
func (v *Vec) AddMany(states []types.State) error {
	added := make([]string, 0, len(states))
	for _, s := range states {
		if err := v.AddOne(s); err != nil {
			for _, id := range added {
				v.RemoveByPersistID(id)
			}
			return err
		}
		added = append(added, s.PersistID)
	}
	return nil
}

// Replace overwrites the stored state for an existing persist_id, updating
// the unique index accordingly. Used by patch/command application.
func (v *Vec) Replace(state types.State) error {
	old, ok := v.byID[state.PersistID]
	if !ok {
		return perr.NotFoundf("entity %q not found in collection", state.PersistID)
	}
	v.indexRemove(old)
	if err := v.checkUnique(state); err != nil {
		v.indexInsert(old)
		return err
	}
	v.byID[state.PersistID] = state
	v.indexInsert(state)
	return nil
}

// RemoveByPersistID deletes an entity, returning perr.NotFound if absent.
func (v *Vec) RemoveByPersistID(id string) error {
	st, ok := v.byID[id]
	if !ok {
		return perr.NotFoundf("entity %q not found in collection", id)
	}
	v.indexRemove(st)
	delete(v.byID, id)
	for i, oid := range v.order {
		if oid == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the current state for id.
func (v *Vec) Get(id string) (types.State, bool) {
	st, ok := v.byID[id]
	return st, ok
}

// FindByUnique looks up a persist_id by a unique field's value, the O(1)
// path indexed fields get.
func (v *Vec) FindByUnique(field string, value types.Value) (types.State, bool) {
	idx, ok := v.uniques[field]
	if !ok || value.IsNull() {
		return types.State{}, false
	}
	id, ok := idx[value.IndexKey()]
	if !ok {
		return types.State{}, false
	}
	return v.Get(id)
}

// States returns every entity in insertion order, the collection's full
// contents as used by snapshotting.
func (v *Vec) States() []types.State {
	out := make([]types.State, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.byID[id])
	}
	return out
}

// Len returns the number of entities currently held.
func (v *Vec) Len() int { return len(v.order) }

// List returns entities matching filter, ordered by persist_id, honoring a
// simple offset/limit page.
func (v *Vec) List(offset, limit int, filter func(types.State) bool) []types.State {
	ids := append([]string(nil), v.order...)
	sort.Strings(ids)
	var matched []types.State
	for _, id := range ids {
		st := v.byID[id]
		if filter == nil || filter(st) {
			matched = append(matched, st)
		}
	}
	if offset >= len(matched) {
		return nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end]
}

// LoadSnapshot replaces the collection's contents with states taken from a
// snapshot payload, rebuilding the unique index.
func (v *Vec) LoadSnapshot(states []types.State) {
	v.order = v.order[:0]
	v.byID = make(map[string]types.State, len(states))
	for field := range v.uniques {
		v.uniques[field] = make(map[string]string)
	}
	for _, st := range states {
		v.order = append(v.order, st.PersistID)
		v.byID[st.PersistID] = st
		v.indexInsert(st)
	}
}
