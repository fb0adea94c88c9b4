// Package valkey stores scene records as JSON values in Valkey. Transactions
// use WATCH/MULTI/EXEC on a dedicated connection so the condition checks and
// the writes observe the same snapshot. Logs are Valkey lists; appends are
// queued in the same MULTI but their keys are never watched.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"

	"github.com/dkeye/sceneroom/internal/adapters/storage"
	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// maxAttempts bounds how often an EXEC aborted by a concurrent writer is
// re-evaluated before the transaction is reported as a conflict.
const maxAttempts = 3

type Options struct {
	Addr      string
	Password  string
	KeyPrefix string
}

type Store struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

func NewStore(opts Options) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{opts.Addr},
		Password:     opts.Password,
		DisableCache: true,
		// WATCH spans keys of one scene that hash to different slots.
		ForceSingleClient: true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", opts.Addr, err)
	}
	log.Info().Str("module", "storage.valkey").Str("addr", opts.Addr).Msg("connected")
	return &Store{client: client, prefix: opts.KeyPrefix, now: time.Now}, nil
}

func (s *Store) Close() { s.client.Close() }

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) logKey(k string) string { return s.prefix + "log:" + k }

func (s *Store) Get(ctx context.Context, pk, sk string) (*core.Record, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(pk+"#"+sk)).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return nil, fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("valkey get %s/%s: %w", pk, sk, err)
	}
	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if rec.Deleted || !storage.Live(rec, s.now()) {
		return nil, fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) ConditionalPut(ctx context.Context, rec *core.Record, expectedTS int64) (*core.Record, error) {
	if err := s.TransactWrite(ctx, storage.PutOps(rec, expectedTS)); err != nil {
		return nil, err
	}
	return s.Get(ctx, rec.PK, rec.SK)
}

func (s *Store) TransactWrite(ctx context.Context, ops []core.WriteOp) error {
	records, logs, err := storage.SplitLog(ops)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return s.appendLogs(ctx, logs)
	}
	keys := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, op := range records {
		if !seen[op.Key()] {
			seen[op.Key()] = true
			keys = append(keys, op.Key())
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		committed, err := s.attempt(ctx, keys, records, logs)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		log.Debug().Str("module", "storage.valkey").Int("attempt", attempt).Msg("exec aborted by concurrent write")
	}
	return fmt.Errorf("transaction on %v: %w", keys, domain.ErrConcurrentModification)
}

func (s *Store) ReadLog(ctx context.Context, pk, sk string) ([]json.RawMessage, error) {
	items, err := s.client.Do(ctx, s.client.B().Lrange().Key(s.logKey(pk+"#"+sk)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey lrange %s/%s: %w", pk, sk, err)
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}

func (s *Store) rpush(b valkey.Builder, e storage.LogEntry) valkey.Completed {
	return b.Rpush().Key(s.logKey(e.Key)).Element(string(e.Value)).Build()
}

// appendLogs commits log appends that come without record writes.
func (s *Store) appendLogs(ctx context.Context, logs []storage.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	b := s.client.B()
	cmds := make(valkey.Commands, 0, len(logs)+2)
	cmds = append(cmds, b.Multi().Build())
	for _, e := range logs {
		cmds = append(cmds, s.rpush(b, e))
	}
	cmds = append(cmds, b.Exec().Build())
	for _, r := range s.client.DoMulti(ctx, cmds...) {
		if err := r.Error(); err != nil {
			return fmt.Errorf("valkey rpush: %w", err)
		}
	}
	return nil
}

func (s *Store) attempt(ctx context.Context, keys []string, ops []core.WriteOp, logs []storage.LogEntry) (bool, error) {
	committed := false
	err := s.client.Dedicated(func(c valkey.DedicatedClient) error {
		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = s.key(k)
		}
		if err := c.Do(ctx, c.B().Watch().Key(full...).Build()).Error(); err != nil {
			return fmt.Errorf("valkey watch: %w", err)
		}
		unwatch := func() { _ = c.Do(ctx, c.B().Unwatch().Build()).Error() }

		msgs, err := c.Do(ctx, c.B().Mget().Key(full...).Build()).ToArray()
		if err != nil {
			unwatch()
			return fmt.Errorf("valkey mget: %w", err)
		}
		now := s.now()
		current := make(map[string]*core.Record, len(keys))
		for i, msg := range msgs {
			raw, err := msg.ToString()
			if valkey.IsValkeyNil(err) {
				continue
			}
			if err != nil {
				unwatch()
				return fmt.Errorf("valkey mget %s: %w", keys[i], err)
			}
			rec, err := decode(raw)
			if err != nil {
				unwatch()
				return err
			}
			if storage.Live(rec, now) {
				current[keys[i]] = rec
			}
		}

		changed, err := storage.Apply(current, ops, now)
		if err != nil {
			unwatch()
			return err
		}

		cmds := make(valkey.Commands, 0, len(changed)+len(logs)+2)
		cmds = append(cmds, c.B().Multi().Build())
		for k, rec := range changed {
			raw, err := json.Marshal(rec)
			if err != nil {
				unwatch()
				return fmt.Errorf("encode %s: %w", k, err)
			}
			if rec.ExpiresAt > 0 {
				cmds = append(cmds, c.B().Set().Key(s.key(k)).Value(string(raw)).PxatMillisecondsTimestamp(rec.ExpiresAt).Build())
			} else {
				cmds = append(cmds, c.B().Set().Key(s.key(k)).Value(string(raw)).Build())
			}
		}
		for _, e := range logs {
			cmds = append(cmds, s.rpush(c.B(), e))
		}
		cmds = append(cmds, c.B().Exec().Build())

		resps := c.DoMulti(ctx, cmds...)
		last := resps[len(resps)-1].Error()
		if valkey.IsValkeyNil(last) {
			return nil
		}
		for _, r := range resps {
			if err := r.Error(); err != nil {
				return fmt.Errorf("valkey exec: %w", err)
			}
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

func decode(raw string) (*core.Record, error) {
	var rec core.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	return &rec, nil
}
