package types

import "time"

// EventKind tags the journal record variants.
type EventKind string

const (
	EventUpsert         EventKind = "upsert"
	EventDelete         EventKind = "delete"
	EventCommand        EventKind = "command"
	EventRuntimeClosure EventKind = "runtime_closure"
)

// Event is the source of truth for replay.
//
// A runtime_closure event is journaled as an upsert-shaped record whose
// Payload holds the post-closure field bag rather than a replayable
// invocation, since a closure's side effects and wall-clock reads cannot
// be replayed deterministically. Replay treats it exactly like EventUpsert.
type Event struct {
	Seq                 uint64          `json:"seq"`
	EntityType          string          `json:"entity_type"`
	PersistID           string          `json:"persist_id"`
	Kind                EventKind       `json:"kind"`
	CommandName         string          `json:"command_name,omitempty"`
	Payload             []byte          `json:"payload,omitempty"`
	PayloadSchemaVersion int            `json:"payload_schema_version,omitempty"`
	ProducedVersion     int64           `json:"produced_version"`
	Timestamp           time.Time       `json:"timestamp_unix_ms"`
	CorrelationID       string          `json:"correlation_id,omitempty"`
}

// FieldDescriptor describes one user field of an entity type, built up
// through a descriptor API rather than derive macros.
type FieldDescriptor struct {
	Name    string
	Kind    Kind
	Unique  bool
	Indexed bool
}

// EntityDescriptor describes the fields an application registers for one
// entity type when opening a collection; command handlers are registered
// separately, on the runtime.
type EntityDescriptor struct {
	TypeName  string
	TableName string
	Fields    []FieldDescriptor
}

func (d EntityDescriptor) UniqueFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Unique {
			out = append(out, f.Name)
		}
	}
	return out
}
