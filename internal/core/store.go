package core

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the unit of the key-value store. Every record carries the
// optimistic-concurrency token TS (unix millis of its last write).
type Record struct {
	PK        string         `json:"pk"`
	SK        string         `json:"sk"`
	TS        int64          `json:"ts"`
	Deleted   bool           `json:"deleted,omitempty"`
	ExpiresAt int64          `json:"expiresAt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (r *Record) Key() string { return r.PK + "#" + r.SK }

// Clone returns a deep enough copy for callers to mutate Data freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		if list, ok := v.([]any); ok {
			v = append([]any(nil), list...)
		}
		out.Data[k] = v
	}
	return &out
}

// Str returns the string attribute k or "".
func (r *Record) Str(k string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Data[k].(string)
	return s
}

// Bool returns the boolean attribute k or false.
func (r *Record) Bool(k string) bool {
	if r == nil {
		return false
	}
	b, _ := r.Data[k].(bool)
	return b
}

// Strings returns the list attribute k as strings, skipping other values.
func (r *Record) Strings(k string) []string {
	if r == nil {
		return nil
	}
	list, _ := r.Data[k].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type CondKind int

const (
	CondNone CondKind = iota
	CondNotExists
	// CondTSEquals requires the stored ts to equal Cond.TS.
	CondTSEquals
	// CondTSAtMost requires the stored ts to be <= Cond.TS; used for
	// append-only list fields.
	CondTSAtMost
	CondExists
)

type Condition struct {
	Kind CondKind
	TS   int64
}

func NoCond() Condition             { return Condition{Kind: CondNone} }
func IfNotExists() Condition        { return Condition{Kind: CondNotExists} }
func IfExists() Condition           { return Condition{Kind: CondExists} }
func IfTSEquals(ts int64) Condition { return Condition{Kind: CondTSEquals, TS: ts} }
func IfTSAtMost(ts int64) Condition { return Condition{Kind: CondTSAtMost, TS: ts} }

type OpKind int

const (
	OpPut OpKind = iota
	OpSetField
	OpListAppend
	OpListRemove
	OpTombstone
	// OpLogAppend appends Value to the append-only log at PK/SK. It takes
	// no condition and never conflicts with concurrent writers.
	OpLogAppend
)

// WriteOp is one item of an all-or-nothing transaction.
type WriteOp struct {
	Kind  OpKind
	PK    string
	SK    string
	Cond  Condition
	Field string
	Value any
	// Record is the full record for OpPut.
	Record *Record
	// TTL bounds tombstone lifetime for OpTombstone.
	TTL time.Duration
	// Upsert lets field and list operations create a missing record.
	Upsert bool
}

func (op WriteOp) Key() string { return op.PK + "#" + op.SK }

// Store is the durable storage collaborator. Implementations must apply
// TransactWrite atomically and return *domain.ConflictError when a
// condition fails.
type Store interface {
	Get(ctx context.Context, pk, sk string) (*Record, error)
	ConditionalPut(ctx context.Context, rec *Record, expectedTS int64) (*Record, error)
	TransactWrite(ctx context.Context, ops []WriteOp) error
	// ReadLog returns the JSON entries of a log in append order.
	ReadLog(ctx context.Context, pk, sk string) ([]json.RawMessage, error)
}
