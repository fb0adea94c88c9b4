package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/adapters/storage"
	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// Store is an in-process core.Store. A single mutex makes every
// transaction atomic.
type Store struct {
	mu      sync.Mutex
	records map[string]*core.Record
	logs    map[string][]json.RawMessage
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*core.Record),
		logs:    make(map[string][]json.RawMessage),
		now:     time.Now,
	}
}

// WithClock replaces the time source; tests use it to control ts values.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(_ context.Context, pk, sk string) (*core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(pk+"#"+sk, s.now())
	if rec == nil || rec.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", pk, sk, domain.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ConditionalPut(ctx context.Context, rec *core.Record, expectedTS int64) (*core.Record, error) {
	if err := s.TransactWrite(ctx, storage.PutOps(rec, expectedTS)); err != nil {
		return nil, err
	}
	return s.Get(ctx, rec.PK, rec.SK)
}

func (s *Store) TransactWrite(_ context.Context, ops []core.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	records, logs, err := storage.SplitLog(ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current := make(map[string]*core.Record, len(records))
	for _, op := range records {
		if rec := s.lookup(op.Key(), now); rec != nil {
			current[op.Key()] = rec
		}
	}
	changed, err := storage.Apply(current, records, now)
	if err != nil {
		log.Debug().Err(err).Str("module", "storage.memory").Int("ops", len(ops)).Msg("transaction rejected")
		return err
	}
	for k, rec := range changed {
		s.records[k] = rec
	}
	for _, e := range logs {
		s.logs[e.Key] = append(s.logs[e.Key], e.Value)
	}
	return nil
}

func (s *Store) ReadLog(_ context.Context, pk, sk string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.logs[pk+"#"+sk]...), nil
}

// lookup drops expired records lazily. Caller holds mu.
func (s *Store) lookup(key string, now time.Time) *core.Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if !storage.Live(rec, now) {
		delete(s.records, key)
		return nil
	}
	return rec
}
