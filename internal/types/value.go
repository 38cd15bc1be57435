// Package types defines the wire- and storage-level data model shared by
// every layer of the persistence runtime: typed field values, the entity
// header (PersistMetadata), the field bag (PersistState), journal events,
// and collection snapshots.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the closed set of value kinds a field may hold.
type Kind string

const (
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindBool      Kind = "bool"
	KindText      Kind = "text"
	KindUUID      Kind = "uuid"
	KindTimestamp Kind = "timestamp"
	KindDate      Kind = "date"
	KindJSON      Kind = "json"
	KindNull      Kind = "null"
)

// Value is a closed tagged union over the field value kinds a collection
// may store. Exactly one of the typed fields is meaningful for a given
// Kind; JSON marshaling omits the other fields while they are zero, except
// T, which is always emitted (omitempty does not omit a zero time.Time).
type Value struct {
	Kind Kind            `json:"kind"`
	I    int64           `json:"i,omitempty"`
	F    float64         `json:"f,omitempty"`
	B    bool            `json:"b,omitempty"`
	S    string          `json:"s,omitempty"`
	T    time.Time       `json:"t,omitempty"`
	J    json.RawMessage `json:"j,omitempty"`
}

func Null() Value                  { return Value{Kind: KindNull} }
func Int(v int64) Value            { return Value{Kind: KindInt, I: v} }
func Float(v float64) Value        { return Value{Kind: KindFloat, F: v} }
func Bool(v bool) Value            { return Value{Kind: KindBool, B: v} }
func Text(v string) Value          { return Value{Kind: KindText, S: v} }
func UUID(v string) Value          { return Value{Kind: KindUUID, S: v} }
func Timestamp(v time.Time) Value  { return Value{Kind: KindTimestamp, T: v.UTC()} }
func Date(v time.Time) Value       { return Value{Kind: KindDate, T: v.UTC()} }
func JSON(v json.RawMessage) Value { return Value{Kind: KindJSON, J: v} }

// IsNull reports whether v represents SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// SQLType returns the column type used when a field of this kind is added
// to a CREATE TABLE statement.
func (v Value) SQLType() string {
	switch v.Kind {
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindBool:
		return "BOOLEAN"
	case KindText, KindUUID:
		return "TEXT"
	case KindTimestamp, KindDate:
		return "TIMESTAMP"
	case KindJSON:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// SQLArg returns the value in the shape expected by database/sql bind
// parameters for the ncruces/go-sqlite3 driver.
func (v Value) SQLArg() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindBool:
		return v.B
	case KindText, KindUUID:
		return v.S
	case KindTimestamp:
		return v.T.UnixMilli()
	case KindDate:
		return v.T.Format("2006-01-02")
	case KindJSON:
		return string(v.J)
	default:
		return nil
	}
}

// EqualKey reports whether two values should collide in a unique index.
// Nulls never collide with anything, matching standard SQL UNIQUE semantics.
func (v Value) EqualKey(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return false
	}
	return v.Kind == other.Kind && v.indexKey() == other.indexKey()
}

// indexKey renders a comparable scalar used as a map key in the unique
// index maintained by internal/collection.
func (v Value) indexKey() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("i:%d", v.I)
	case KindFloat:
		return fmt.Sprintf("f:%v", v.F)
	case KindBool:
		return fmt.Sprintf("b:%v", v.B)
	case KindText, KindUUID:
		return "s:" + v.S
	case KindTimestamp, KindDate:
		return fmt.Sprintf("t:%d", v.T.UnixNano())
	case KindJSON:
		return "j:" + string(v.J)
	default:
		return ""
	}
}

// IndexKey exposes indexKey for callers that need a stable unique-index map
// key directly (internal/collection's secondary index).
func (v Value) IndexKey() string { return v.Kind.String() + "|" + v.indexKey() }

func (k Kind) String() string { return string(k) }
