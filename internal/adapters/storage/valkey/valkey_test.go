package valkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const testPrefix = "t:"

// newTestStore starts an in-process server and a store whose clock is
// driven by *now (unix millis).
func newTestStore(t *testing.T, now *int64) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewStore(Options{Addr: mr.Addr(), KeyPrefix: testPrefix})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	if now != nil {
		s.now = func() time.Time { return time.UnixMilli(*now) }
		mr.SetTime(time.UnixMilli(*now))
	}
	return s, mr
}

func TestConditionalPutRejectsStaleTS(t *testing.T) {
	now := int64(100)
	s, _ := newTestStore(t, &now)
	ctx := context.Background()

	rec, err := s.ConditionalPut(ctx, &core.Record{PK: "scene:1", SK: "scene", Data: map[string]any{"name": "Lobby"}}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), rec.TS)

	_, err = s.ConditionalPut(ctx, &core.Record{PK: "scene:1", SK: "scene", Data: map[string]any{"name": "Stage"}}, 99)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(99), conflict.Expected)
	require.Equal(t, int64(100), conflict.Actual)

	got, err := s.Get(ctx, "scene:1", "scene")
	require.NoError(t, err)
	require.Equal(t, "Lobby", got.Str("name"))
	require.Equal(t, int64(100), got.TS)
}

func TestTransactionIsAllOrNothing(t *testing.T) {
	now := int64(100)
	s, _ := newTestStore(t, &now)
	ctx := context.Background()
	_, err := s.ConditionalPut(ctx, &core.Record{PK: "scene:1", SK: "preset:p1", Data: map[string]any{"videos": []any{}}}, 0)
	require.NoError(t, err)

	err = s.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpPut, PK: "scene:1", SK: "element:video:v1", Cond: core.IfNotExists(), Record: &core.Record{}},
		{Kind: core.OpListAppend, PK: "scene:1", SK: "preset:p1", Cond: core.IfTSAtMost(99), Field: "videos", Value: "v1"},
		{Kind: core.OpLogAppend, PK: "history:1", SK: "log", Value: "created v1"},
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	_, err = s.Get(ctx, "scene:1", "element:video:v1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	preset, err := s.Get(ctx, "scene:1", "preset:p1")
	require.NoError(t, err)
	require.Empty(t, preset.Strings("videos"))
	entries, err := s.ReadLog(ctx, "history:1", "log")
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, s.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpPut, PK: "scene:1", SK: "element:video:v1", Cond: core.IfNotExists(), Record: &core.Record{}},
		{Kind: core.OpListAppend, PK: "scene:1", SK: "preset:p1", Cond: core.IfTSAtMost(100), Field: "videos", Value: "v1"},
		{Kind: core.OpLogAppend, PK: "history:1", SK: "log", Value: "created v1"},
	}))
	preset, err = s.Get(ctx, "scene:1", "preset:p1")
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, preset.Strings("videos"))
	entries, err = s.ReadLog(ctx, "history:1", "log")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.JSONEq(t, `"created v1"`, string(entries[0]))
}

func TestTombstoneHidesRecordUntilExpiry(t *testing.T) {
	now := time.Now().UnixMilli()
	s, mr := newTestStore(t, &now)
	ctx := context.Background()
	_, err := s.ConditionalPut(ctx, &core.Record{PK: "p", SK: "s"}, 0)
	require.NoError(t, err)

	require.NoError(t, s.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpTombstone, PK: "p", SK: "s", Cond: core.IfExists(), TTL: time.Second},
	}))
	_, err = s.Get(ctx, "p", "s")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Positive(t, mr.TTL(testPrefix+"p#s"))

	// A second delete does not find it, and it still blocks re-creation.
	err = s.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpTombstone, PK: "p", SK: "s", Cond: core.IfExists(), TTL: time.Second},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.ConditionalPut(ctx, &core.Record{PK: "p", SK: "s"}, 0)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	now += 2000
	mr.FastForward(2 * time.Second)
	rec, err := s.ConditionalPut(ctx, &core.Record{PK: "p", SK: "s", Data: map[string]any{"name": "again"}}, 0)
	require.NoError(t, err)
	require.Equal(t, "again", rec.Str("name"))
}

func TestCorruptRecordIsReported(t *testing.T) {
	s, mr := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, mr.Set(testPrefix+"scene:1#scene", "{not json"))

	_, err := s.Get(ctx, "scene:1", "scene")
	require.Error(t, err)
	require.False(t, errors.Is(err, domain.ErrNotFound))

	err = s.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpSetField, PK: "scene:1", SK: "scene", Field: "name", Value: "Lobby"},
	})
	require.ErrorContains(t, err, "decode record")
}

func TestLogAppendsDoNotContendWithRecordEdits(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("v%d", i)
			errs[i] = s.TransactWrite(ctx, []core.WriteOp{
				{Kind: core.OpPut, PK: "scene:1", SK: "element:video:" + id, Cond: core.IfNotExists(), Record: &core.Record{}},
				{Kind: core.OpLogAppend, PK: "history:1", SK: "log", Value: id},
			})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	entries, err := s.ReadLog(ctx, "history:1", "log")
	require.NoError(t, err)
	require.Len(t, entries, writers)
}

func TestConcurrentWritersToOneRecordNeverLoseUpdates(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.ConditionalPut(ctx, &core.Record{PK: "scene:1", SK: "preset:p1", Data: map[string]any{"videos": []any{}}}, 0)
	require.NoError(t, err)
	const writers = 10

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.TransactWrite(ctx, []core.WriteOp{
				{Kind: core.OpListAppend, PK: "scene:1", SK: "preset:p1", Field: "videos", Value: fmt.Sprintf("v%d", i)},
			})
		}()
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		require.ErrorIs(t, err, domain.ErrConcurrentModification)
	}
	preset, err := s.Get(ctx, "scene:1", "preset:p1")
	require.NoError(t, err)
	require.Len(t, preset.Strings("videos"), committed)
	require.Positive(t, committed)
}
