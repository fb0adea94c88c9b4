// Package storage holds the transaction semantics shared by every Store
// backend: condition checks, ts assignment and op application.
package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// Live reports whether rec exists and has not expired at now.
func Live(rec *core.Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	return rec.ExpiresAt == 0 || now.UnixMilli() < rec.ExpiresAt
}

// NextTS returns a ts strictly greater than prev, normally now in millis.
func NextTS(prev int64, now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}

// Check evaluates cond against the stored record (nil when absent).
func Check(pk, sk string, stored *core.Record, cond core.Condition) error {
	var actual int64
	if stored != nil {
		actual = stored.TS
	}
	// A live tombstone blocks re-creation but is absent for every other
	// condition.
	gone := stored == nil || stored.Deleted
	switch cond.Kind {
	case core.CondNone:
		return nil
	case core.CondNotExists:
		if stored != nil {
			return &domain.ConflictError{PK: pk, SK: sk, Expected: 0, Actual: actual}
		}
	case core.CondExists:
		if gone {
			return fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
		}
	case core.CondTSEquals:
		if gone {
			return fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
		}
		if stored.TS != cond.TS {
			return &domain.ConflictError{PK: pk, SK: sk, Expected: cond.TS, Actual: actual}
		}
	case core.CondTSAtMost:
		if gone {
			return fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
		}
		if stored.TS > cond.TS {
			return &domain.ConflictError{PK: pk, SK: sk, Expected: cond.TS, Actual: actual}
		}
	default:
		return fmt.Errorf("unknown condition %d", cond.Kind)
	}
	return nil
}

// Apply runs ops against current (keyed by Record.Key, expired and absent
// records omitted) and returns the records that changed. Conditions are
// evaluated against the state before the transaction; nothing is returned
// when any of them fails.
func Apply(current map[string]*core.Record, ops []core.WriteOp, now time.Time) (map[string]*core.Record, error) {
	for _, op := range ops {
		if err := Check(op.PK, op.SK, current[op.Key()], op.Cond); err != nil {
			return nil, err
		}
	}

	changed := make(map[string]*core.Record, len(ops))
	working := func(op core.WriteOp) (*core.Record, error) {
		if rec, ok := changed[op.Key()]; ok {
			return rec, nil
		}
		if rec := current[op.Key()]; rec != nil {
			return rec.Clone(), nil
		}
		if !op.Upsert {
			return nil, fmt.Errorf("%s/%s: %w", op.PK, op.SK, domain.ErrNotFound)
		}
		return &core.Record{PK: op.PK, SK: op.SK, Data: map[string]any{}}, nil
	}

	for _, op := range ops {
		var rec *core.Record
		switch op.Kind {
		case core.OpPut:
			if op.Record == nil {
				return nil, fmt.Errorf("put %s/%s: nil record", op.PK, op.SK)
			}
			rec = op.Record.Clone()
			rec.PK, rec.SK = op.PK, op.SK
			if rec.Data == nil {
				rec.Data = map[string]any{}
			}
			var prev int64
			if old, ok := changed[op.Key()]; ok {
				prev = old.TS
			} else if old := current[op.Key()]; old != nil {
				prev = old.TS
			}
			rec.TS = NextTS(prev, now)
			changed[op.Key()] = rec
			continue
		default:
			var err error
			if rec, err = working(op); err != nil {
				return nil, err
			}
		}

		switch op.Kind {
		case core.OpSetField:
			rec.Data[op.Field] = op.Value
		case core.OpListAppend:
			list, _ := rec.Data[op.Field].([]any)
			if !containsString(list, op.Value) {
				list = append(list, op.Value)
			}
			rec.Data[op.Field] = list
		case core.OpListRemove:
			list, _ := rec.Data[op.Field].([]any)
			kept := make([]any, 0, len(list))
			for _, v := range list {
				if !reflect.DeepEqual(v, op.Value) {
					kept = append(kept, v)
				}
			}
			rec.Data[op.Field] = kept
		case core.OpTombstone:
			rec.Deleted = true
			rec.ExpiresAt = now.Add(op.TTL).UnixMilli()
		default:
			return nil, fmt.Errorf("unknown op %d", op.Kind)
		}
		rec.TS = NextTS(rec.TS, now)
		changed[op.Key()] = rec
	}
	return changed, nil
}

func containsString(list []any, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// LogEntry is one encoded log append.
type LogEntry struct {
	Key   string
	Value json.RawMessage
}

// SplitLog separates the log appends of a transaction from its record ops.
// Backends apply the appends in the same commit without watching the log.
func SplitLog(ops []core.WriteOp) ([]core.WriteOp, []LogEntry, error) {
	records := make([]core.WriteOp, 0, len(ops))
	var logs []LogEntry
	for _, op := range ops {
		if op.Kind != core.OpLogAppend {
			records = append(records, op)
			continue
		}
		if op.Cond.Kind != core.CondNone {
			return nil, nil, fmt.Errorf("log append %s/%s: conditions not supported", op.PK, op.SK)
		}
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("encode log entry %s/%s: %w", op.PK, op.SK, err)
		}
		logs = append(logs, LogEntry{Key: op.Key(), Value: raw})
	}
	return records, logs, nil
}

// PutOps expresses ConditionalPut as a single-op transaction. expectedTS 0
// means the record must not exist yet.
func PutOps(rec *core.Record, expectedTS int64) []core.WriteOp {
	cond := core.IfTSEquals(expectedTS)
	if expectedTS == 0 {
		cond = core.IfNotExists()
	}
	return []core.WriteOp{{Kind: core.OpPut, PK: rec.PK, SK: rec.SK, Cond: cond, Record: rec}}
}
