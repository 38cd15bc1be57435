package types

import (
	"time"

	"github.com/ionvault/persist/internal/perr"
)

// Metadata is the fixed system header carried by every entity, grounded on
// PersistMetadata in the original persist/core/session_and_metadata module.
type Metadata struct {
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	TouchCount    uint64    `json:"touch_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastTouchAt   time.Time `json:"last_touch_at"`
	Persisted     bool      `json:"persisted"`
}

// NewMetadata returns metadata for a freshly drafted (never-saved) entity.
func NewMetadata(now time.Time, schemaVersion int) Metadata {
	now = now.UTC()
	return Metadata{
		Version:       0,
		SchemaVersion: schemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastTouchAt:   now,
		Persisted:     false,
	}
}

// Touch records a non-mutating read-level access.
func (m *Metadata) Touch(now time.Time) {
	m.TouchCount++
	m.LastTouchAt = now.UTC()
}

// BumpVersion advances the version on a committed mutation, preserving
// invariant 3 (version strictly increases on every committed write).
func (m *Metadata) BumpVersion(now time.Time) {
	m.Version++
	now = now.UTC()
	m.UpdatedAt = now
	m.LastTouchAt = now
	m.Persisted = true
}

// State is the typed field bag plus system header for a single entity,
// grounded on PersistState in the original persist/core/descriptors_and_state
// module. TypeName/TableName/PersistID place the record in its collection;
// Fields holds the user-defined field bag.
type State struct {
	PersistID string           `json:"persist_id"`
	TypeName  string           `json:"type_name"`
	TableName string           `json:"table_name"`
	Metadata  Metadata         `json:"metadata"`
	Fields    map[string]Value `json:"fields"`
}

// Clone returns a deep copy safe to mutate independently of the original,
// used by the managed layer's rollback snapshot.
func (s State) Clone() State {
	fields := make(map[string]Value, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return State{
		PersistID: s.PersistID,
		TypeName:  s.TypeName,
		TableName: s.TableName,
		Metadata:  s.Metadata,
		Fields:    fields,
	}
}

// Field reads a field, returning an explicit Null value if absent.
func (s State) Field(name string) Value {
	if v, ok := s.Fields[name]; ok {
		return v
	}
	return Null()
}

// SetField sets a field in the bag, initializing the map if needed.
func (s *State) SetField(name string, v Value) {
	if s.Fields == nil {
		s.Fields = make(map[string]Value)
	}
	s.Fields[name] = v
}

// ValidateTimestampOrdering enforces invariant 5:
// created_at <= updated_at <= last_touch_at.
func (s State) ValidateTimestampOrdering() error {
	m := s.Metadata
	if m.CreatedAt.After(m.UpdatedAt) || m.UpdatedAt.After(m.LastTouchAt) {
		return perr.Validationf("timestamp-ordering",
			"entity %s: created_at<=updated_at<=last_touch_at violated", s.PersistID)
	}
	return nil
}
