package session

import (
	"context"
	"errors"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/internal/pipeline"
)

// control routes messages between the components until ctx is done.
func (s *Session) control(ctx context.Context) error {
	log := observe.Logger(ctx)
	var last pipeline.Stats
	for {
		select {
		case <-ctx.Done():
			return nil

		case fe := <-s.faults.C():
			if fe != nil {
				s.handleFault(ctx, fe)
			}

		case snap := <-s.snapshots.C():
			s.events.Performance.Publish(snap)
			if snap.Latency.Max > 0 {
				s.fallback.RecordLatency(snap.Latency.Mean)
			}
			s.fallback.RecordQuality(snap.Quality)

			// A tick with fresh decisions and no new detector errors breaks
			// an error streak.
			cur := s.pipe.Stats()
			if cur.Decisions > last.Decisions && cur.Errors == last.Errors {
				s.fallback.RecordSuccess()
			}
			last = cur

		case opt := <-s.optimizations.C():
			s.shapeMu.Lock()
			s.optimized = !opt.Restore
			s.opt = opt
			err := s.applyShapeLocked(s.cfg.Load())
			s.shapeMu.Unlock()
			if err != nil {
				log.Warn("applying optimization failed", "health", opt.Health, "err", err)
			}
			s.events.Optimizations.Publish(opt)

		case ev := <-s.bargeIns.C():
			s.monitor.Record(monitor.Sample{Metric: monitor.MetricQuality, Value: bargeInQuality(ev)})
			s.events.BargeIn.Publish(ev)
		}
	}
}

// handleFault logs fe, forwards it and lets fatal faults count toward a
// downgrade. A capture stream that ended underneath the pipeline is
// restarted.
func (s *Session) handleFault(ctx context.Context, fe *fault.Error) {
	s.recordFault(ctx, fe)
	if errors.Is(fe, pipeline.ErrCaptureEnded) {
		s.restarter.NotifyEnded()
	}
	if fe.Severity() == fault.Fatal {
		s.fallback.RecordError(fe)
	}
}

// bargeInQuality scores one barge-in: the share of sources interrupted
// successfully, or 0 for a failed event.
func bargeInQuality(ev bargein.Event) float64 {
	if ev.Type == bargein.EventFailed {
		return 0
	}
	if ev.Result == nil || len(ev.Result.Sources) == 0 {
		return 1
	}
	return float64(ev.Result.Applied()) / float64(len(ev.Result.Sources))
}
