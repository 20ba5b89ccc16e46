// Package scheduler decides when booking tasks run.
//
// Two tiers: an hourly rescan arms a precise one-shot timer for every pending task due
// within the promotion horizon, and a minute backstop sweep fires anything already due
// (missed timers, restarts, clock jumps) and arms timers for tasks that drifted into the
// horizon since the last rescan. A task id is never run twice concurrently in one process;
// across processes the store's conditional terminal write decides.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/venue-autobook/internal/booker"
	"github.com/example/venue-autobook/internal/metrics"
	"github.com/example/venue-autobook/internal/tasks"
)

const (
	TriggerTimer  = "timer"
	TriggerSweep  = "sweep"
	TriggerManual = "manual"
)

// Runner executes one task to completion. *booker.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, id int64) (booker.Report, error)
}

// Source is the part of tasks.Store the scheduler reads.
type Source interface {
	ListDue(ctx context.Context, now time.Time) ([]tasks.BookingTask, error)
	ListNearDue(ctx context.Context, now time.Time, horizon time.Duration) ([]tasks.BookingTask, error)
	ListAllPending(ctx context.Context) ([]tasks.BookingTask, error)
}

type Scheduler struct {
	Store  Source
	Runner Runner

	RescanInterval time.Duration
	SweepInterval  time.Duration
	Horizon        time.Duration

	Now     func() time.Time
	Metrics *metrics.Collector
	Logger  *slog.Logger

	mu       sync.Mutex
	timers   map[int64]*armed
	inFlight map[int64]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type armed struct {
	t  *time.Timer
	at time.Time
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Armed    int `json:"armed"`
	InFlight int `json:"in_flight"`
}

// Run blocks until ctx is done, then stops all timers and waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.init()
	log := s.logger()
	log.Info("scheduler started", "rescan", s.RescanInterval, "sweep", s.SweepInterval, "horizon", s.Horizon)

	s.rescan(ctx)
	s.sweep(ctx)

	rescan := time.NewTicker(s.RescanInterval)
	defer rescan.Stop()
	sweep := time.NewTicker(s.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			log.Info("scheduler stopped")
			return ctx.Err()
		case <-rescan.C:
			s.rescan(ctx)
		case <-sweep.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Armed: len(s.timers), InFlight: len(s.inFlight)}
}

func (s *Scheduler) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers == nil {
		s.timers = map[int64]*armed{}
	}
	if s.inFlight == nil {
		s.inFlight = map[int64]struct{}{}
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.RescanInterval <= 0 {
		s.RescanInterval = time.Hour
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = time.Minute
	}
	if s.Horizon <= 0 {
		s.Horizon = 5 * time.Minute
	}
	s.stopped = false
}

// rescan drops every armed timer and re-arms from the full pending set.
func (s *Scheduler) rescan(ctx context.Context) {
	pending, err := s.Store.ListAllPending(ctx)
	if err != nil {
		s.logger().Error("rescan: list pending failed", "err", err)
		return
	}

	s.mu.Lock()
	for id, a := range s.timers {
		a.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	now := s.Now()
	n := 0
	for _, t := range pending {
		if d := t.ScheduledTime.Sub(now); d > 0 && d <= s.Horizon {
			if s.arm(ctx, t) {
				n++
			}
		}
	}
	s.logger().Info("rescan", "pending", len(pending), "armed", n)
	s.publish()
}

// sweep fires everything already due, then promotes near-due tasks that have no timer.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.Now()
	due, err := s.Store.ListDue(ctx, now)
	if err != nil {
		s.logger().Error("sweep: list due failed", "err", err)
	}
	for _, t := range due {
		s.fire(ctx, t.ID, TriggerSweep)
	}

	near, err := s.Store.ListNearDue(ctx, now, s.Horizon)
	if err != nil {
		s.logger().Error("sweep: list near-due failed", "err", err)
		return
	}
	promoted := 0
	for _, t := range near {
		if s.arm(ctx, t) {
			promoted++
		}
	}
	if len(due) > 0 || promoted > 0 {
		s.logger().Info("sweep", "due", len(due), "promoted", promoted)
	}
	s.publish()
}

// arm sets a one-shot timer for t unless one is already armed. Tasks already due are left
// to the sweep: t may come from a list taken before its timer fired and its run finished.
func (s *Scheduler) arm(ctx context.Context, t tasks.BookingTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.timers[t.ID]; ok {
		return false
	}
	if _, ok := s.inFlight[t.ID]; ok {
		return false
	}
	d := t.ScheduledTime.Sub(s.Now())
	if d <= 0 {
		return false
	}

	id := t.ID
	a := &armed{at: t.ScheduledTime}
	// The callback takes s.mu first, so it cannot observe the map before a is stored.
	a.t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[id] != a {
			// stopped or replaced by a rescan after it had already fired
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		ok := s.claimLocked(ctx, id, TriggerTimer)
		s.mu.Unlock()
		if ok {
			s.start(ctx, id, TriggerTimer)
		}
	})
	s.timers[id] = a
	s.logger().Debug("timer armed", "task_id", id, "at", t.ScheduledTime)
	return true
}

// fire starts a run for id unless one is already in flight.
func (s *Scheduler) fire(ctx context.Context, id int64, trigger string) bool {
	s.mu.Lock()
	ok := s.claimLocked(ctx, id, trigger)
	s.mu.Unlock()
	if ok {
		s.start(ctx, id, trigger)
	}
	return ok
}

// claimLocked marks id in flight and drops its timer. s.mu must be held.
func (s *Scheduler) claimLocked(ctx context.Context, id int64, trigger string) bool {
	if ctx.Err() != nil || s.stopped {
		return false
	}
	if _, busy := s.inFlight[id]; busy {
		s.logger().Debug("run already in flight", "task_id", id, "trigger", trigger)
		return false
	}
	if a, ok := s.timers[id]; ok {
		a.t.Stop()
		delete(s.timers, id)
	}
	s.inFlight[id] = struct{}{}
	s.wg.Add(1)
	return true
}

// start runs a claimed id in its own goroutine.
func (s *Scheduler) start(ctx context.Context, id int64, trigger string) {
	s.Metrics.RecordFire(trigger)
	s.publish()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
			s.publish()
		}()
		s.run(ctx, id, trigger)
	}()
}

func (s *Scheduler) run(ctx context.Context, id int64, trigger string) {
	log := s.logger().With("task_id", id, "trigger", trigger)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task run panicked", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := s.Runner.Run(ctx, id)
	if err != nil {
		log.Warn("task run ended without a verdict", "run_id", rep.RunID, "err", err)
		return
	}
	if rep.Skipped {
		log.Info("task run skipped", "run_id", rep.RunID, "status", rep.Status)
		return
	}
	log.Info("task run done", "run_id", rep.RunID, "status", rep.Status, "applied", rep.Applied, "attempts", rep.Attempts)
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	for id, a := range s.timers {
		a.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.publish()
}

func (s *Scheduler) publish() {
	st := s.Stats()
	s.Metrics.UpdateSchedulerStats(st.Armed, st.InFlight)
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "scheduler")
	}
	return slog.Default().With("component", "scheduler")
}
