package app

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const (
	// Scenes with this many streams or fewer poll all of them, but only
	// every smallScenePollEvery ticks.
	smallSceneStreams   = 4
	smallScenePollEvery = 3
	// Above this many streams polling stops and an alert is raised.
	maxPolledStreams = 50
)

// BatchSize is the number of streams polled per tick for n streams.
func BatchSize(n int) int {
	return int(math.Ceil(float64(n)/96*19 + 1))
}

type probeResult struct {
	stream domain.SceneStream
	live   bool
	err    error
}

// planTick advances the throttle counters and returns the streams to probe
// this tick.
func planTick(s *State) []domain.SceneStream {
	n := len(s.Streams)
	if n == 0 {
		return nil
	}
	if n <= smallSceneStreams {
		poll := s.Skipped%smallScenePollEvery == 0
		s.Skipped = (s.Skipped + 1) % smallScenePollEvery
		s.BatchSize = n
		if !poll {
			return nil
		}
		return append([]domain.SceneStream(nil), s.Streams...)
	}
	s.Skipped = 0
	s.BatchSize = min(BatchSize(n), n)
	targets := make([]domain.SceneStream, 0, s.BatchSize)
	for i := 0; i < s.BatchSize; i++ {
		targets = append(targets, s.Streams[(s.StreamIndex+i)%n])
	}
	return targets
}

// pollOnce runs one scheduler tick: plan on the loop, probe off it, then
// apply the results on the loop. A call while another is in flight is a
// no-op.
func (r *Room) pollOnce(ctx context.Context) error {
	if !r.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer r.polling.Store(false)

	var (
		targets []domain.SceneStream
		batch   int
		alerts  []core.Alert
	)
	if err := r.do(ctx, func() { targets, batch, alerts = r.planLocked() }); err != nil {
		return err
	}
	r.notify(ctx, alerts)
	if len(targets) == 0 {
		return nil
	}

	results := r.probeAll(ctx, targets)
	if err := r.do(ctx, func() { alerts = r.applyResultsLocked(batch, results) }); err != nil {
		return err
	}
	r.notify(ctx, alerts)
	return nil
}

func (r *Room) planLocked() ([]domain.SceneStream, int, []core.Alert) {
	n := len(r.state.Streams)
	if n > maxPolledStreams {
		r.log.Warn().Int("streams", n).Int("max", maxPolledStreams).Msg("too many live streams, polling paused")
		if r.overLimit {
			return nil, 0, nil
		}
		r.overLimit = true
		return nil, 0, []core.Alert{{
			Scene:   r.ID,
			Reason:  "too many live streams",
			Details: map[string]any{"streams": n, "max": maxPolledStreams},
		}}
	}
	r.overLimit = false

	var targets []domain.SceneStream
	if err := r.applyLocked(func(s *State) { targets = planTick(s) }); err != nil {
		r.log.Error().Err(err).Msg("plan tick")
		return nil, 0, nil
	}
	return targets, r.state.BatchSize, nil
}

func (r *Room) probeAll(ctx context.Context, targets []domain.SceneStream) []probeResult {
	results := make([]probeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.Scheduler.Concurrency)
	for i, st := range targets {
		g.Go(func() error {
			pctx := gctx
			if r.deps.Scheduler.Timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(gctx, r.deps.Scheduler.Timeout)
				defer cancel()
			}
			live, err := r.deps.Probe.CheckLive(pctx, st.URL)
			results[i] = probeResult{stream: st, live: live, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Room) applyResultsLocked(batch int, results []probeResult) []core.Alert {
	var (
		alerts    []core.Alert
		changed   []core.Frame
		unchanged []core.Frame
		queued    []string
	)
	err := r.applyLocked(func(s *State) {
		for _, res := range results {
			cur, ok := s.Stream(res.stream.ID)
			if !ok || cur.URL != res.stream.URL {
				continue
			}
			live := res.live && res.err == nil
			if res.err != nil {
				kind := domain.ProbeKind(res.err)
				if kind == domain.ProbeForbidden {
					s.RemoveStream(cur.ID)
					alerts = append(alerts, r.forbiddenAlertLocked(cur))
					r.log.Warn().Str("stream", cur.ID).Str("url", cur.URL).Msg("stream forbidden, removed")
					continue
				}
				r.log.Debug().Err(res.err).Str("stream", cur.ID).Str("kind", string(kind)).Msg("probe failed")
			}
			msg := encode(streamStatusMsg{Type: TypeStreamStatusChanged, ID: cur.ID, Status: live, URL: cur.URL})
			if live != cur.Status {
				s.SetStatus(cur.ID, live)
				changed = append(changed, msg)
			} else if len(s.NeedsUpdate) > 0 {
				unchanged = append(unchanged, msg)
			}
		}
		queued = append(queued, s.NeedsUpdate...)
		s.NeedsUpdate = s.NeedsUpdate[:0]
		s.StreamIndex += batch
	})
	if err != nil {
		r.log.Error().Err(err).Msg("apply probe results")
		return alerts
	}

	for _, frame := range changed {
		for _, m := range r.roster() {
			r.sendLocked(m, frame)
		}
	}
	if len(unchanged) > 0 {
		waiting := make(map[string]bool, len(queued))
		for _, p := range queued {
			waiting[p] = true
		}
		for _, m := range r.roster() {
			if m.IsHost() || !waiting[m.Auth.ActorID()] {
				continue
			}
			for _, frame := range unchanged {
				r.sendLocked(m, frame)
			}
		}
	}
	return alerts
}

func (r *Room) forbiddenAlertLocked(st domain.SceneStream) core.Alert {
	participants := make([]Participant, 0, len(r.members))
	for _, m := range r.roster() {
		participants = append(participants, m.Participant())
	}
	return core.Alert{
		Scene:  r.ID,
		Reason: "live stream forbidden",
		Details: map[string]any{
			"streamId":     st.ID,
			"url":          st.URL,
			"presetId":     st.PresetID,
			"participants": participants,
		},
	}
}

func (r *Room) notify(ctx context.Context, alerts []core.Alert) {
	if r.deps.Notifier == nil {
		return
	}
	for _, a := range alerts {
		r.deps.Notifier.Notify(ctx, a)
	}
}
