// Package scheduler fires per-region analysis on cron schedules. Each
// schedule is owned by exactly one replica at a time via a coordinator claim;
// non-owners keep the registration locally and take over when the owner's
// claim lapses. Firings flow through a bounded worker queue.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/coordinator"
	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/orchestrator"
	"github.com/forestshield/forestshield/internal/statestore"
)

var (
	firesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forestshield_scheduler_fires_total",
		Help: "Schedule fire events by disposition.",
	}, []string{"disposition"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forestshield_scheduler_queue_depth",
		Help: "Firings waiting in the work queue.",
	})
)

// Runner executes one analysis for a region. Satisfied by the orchestrator
// engine.
type Runner interface {
	Run(ctx context.Context, regionID string, params orchestrator.Params) (*models.AnalysisRun, error)
}

// Config tunes the scheduler.
type Config struct {
	Workers   int
	QueueCap  int
	ClaimTTL  time.Duration
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 64
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 60 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// JobStatus is one registered schedule as reported by ActiveJobs.
type JobStatus struct {
	RegionID   string    `json:"regionId"`
	Expression string    `json:"expression"`
	Owned      bool      `json:"owned"`
	IsRunning  bool      `json:"isRunning"`
	NextFireAt time.Time `json:"nextFireAt"`
}

// QueueStats are the work queue's lifecycle counters. Delayed counts firings
// deferred because the region already had a run in flight or the queue was
// full.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

type job struct {
	regionID string
	expr     string
	params   orchestrator.Params
	entryID  cron.EntryID
	owned    atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
}

type task struct {
	regionID string
	params   orchestrator.Params
}

// Scheduler owns the cron timers and the firing queue.
type Scheduler struct {
	coord  coordinator.Coordinator
	state  *statestore.Store
	runner Runner
	cfg    Config
	cron   *cron.Cron
	parser cron.Parser

	mu     sync.Mutex
	jobs   map[string]*job
	paused bool
	closed bool

	queue chan task
	wg    sync.WaitGroup

	waiting, active, completed, failed, delayed atomic.Int64
}

// New builds a stopped scheduler; call Start to begin firing.
func New(coord coordinator.Coordinator, state *statestore.Store, runner Runner, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		coord:  coord,
		state:  state,
		runner: runner,
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:   make(map[string]*job),
		queue:  make(chan task, cfg.QueueCap),
	}
}

// Start launches the timers and the worker pool.
func (s *Scheduler) Start() {
	s.cron.Start()
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	log.Info().Int("workers", s.cfg.Workers).Int("queue_cap", s.cfg.QueueCap).Msg("Scheduler started")
}

// Close stops the timers, drains registrations, and waits for in-queue
// firings to finish. In-flight analysis runs are not cancelled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	regions := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		regions = append(regions, id)
	}
	s.mu.Unlock()

	for _, id := range regions {
		s.Stop(id)
	}
	<-s.cron.Stop().Done()
	close(s.queue)
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// StartJob registers a cron schedule for a region and attempts to claim
// ownership. A replica that loses the claim race still records the schedule
// and will take over when the owner's claim lapses. Missed firings are never
// backfilled; the next fire is computed from now.
func (s *Scheduler) StartJob(ctx context.Context, regionID, expr string, params orchestrator.Params, triggerImmediate bool) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fserr.Ef(fserr.KindValidation, "scheduler_start", "invalid cron expression %q: %v", expr, err).
			WithResource(regionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fserr.Ef(fserr.KindFatal, "scheduler_start", "scheduler is closed")
	}
	if existing, ok := s.jobs[regionID]; ok {
		s.mu.Unlock()
		if existing.expr == expr {
			return nil
		}
		return fserr.Ef(fserr.KindConflict, "scheduler_start",
			"region already scheduled with %q", existing.expr).WithResource(regionID)
	}

	j := &job{regionID: regionID, expr: expr, params: params}
	refreshCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	s.jobs[regionID] = j
	s.mu.Unlock()

	j.owned.Store(s.coord.Claim(ctx, claimKey(regionID), s.cfg.ClaimTTL))

	entryID, err := s.cron.AddFunc(expr, func() { s.fire(j) })
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, regionID)
		s.mu.Unlock()
		cancel()
		return fserr.E(fserr.KindValidation, "scheduler_start", err).WithResource(regionID)
	}
	j.entryID = entryID

	go s.keepOwnership(refreshCtx, j)

	log.Info().Str("region", regionID).Str("cron", expr).Bool("owned", j.owned.Load()).
		Msg("Schedule registered")
	if triggerImmediate {
		s.fire(j)
	}
	return nil
}

// Stop unregisters a region's schedule and releases its claim. In-flight
// runs for the region continue to completion.
func (s *Scheduler) Stop(regionID string) {
	s.mu.Lock()
	j, ok := s.jobs[regionID]
	if ok {
		delete(s.jobs, regionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.cron.Remove(j.entryID)
	j.cancel()
	if j.owned.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.coord.Release(ctx, claimKey(regionID))
		cancel()
	}
	log.Info().Str("region", regionID).Msg("Schedule removed")
}

// PauseAll suspends firings without releasing ownership claims, so resuming
// is instant.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Info().Msg("All schedules paused")
}

// ResumeAll re-enables firings. Fires missed while paused are skipped; the
// next fire is the next cron tick after now.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	log.Info().Msg("All schedules resumed")
}

// ActiveJobs lists the registered schedules.
func (s *Scheduler) ActiveJobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			RegionID:   j.regionID,
			Expression: j.expr,
			Owned:      j.owned.Load(),
			IsRunning:  j.running.Load(),
			NextFireAt: s.cron.Entry(j.entryID).Next,
		})
	}
	return out
}

// Stats snapshots the queue counters.
func (s *Scheduler) Stats() QueueStats {
	return QueueStats{
		Waiting:   s.waiting.Load(),
		Active:    s.active.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Delayed:   s.delayed.Load(),
	}
}

// CleanupOldJobs deletes terminal run records older than the retention
// window and returns how many were removed.
func (s *Scheduler) CleanupOldJobs(ctx context.Context) (int64, error) {
	removed, err := s.state.CleanupRuns(ctx, time.Now().UTC().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Pruned old analysis runs")
	}
	return removed, nil
}

// fire is one cron tick for a job: ownership and pile-up checks, then a
// queue submission.
func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		firesTotal.WithLabelValues("paused").Inc()
		return
	}
	if !j.owned.Load() {
		firesTotal.WithLabelValues("unowned").Inc()
		log.Debug().Str("region", j.regionID).Msg("Not the schedule owner; skipping fire")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	active, err := s.state.HasActiveRun(ctx, j.regionID)
	cancel()
	if err != nil {
		firesTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("region", j.regionID).Msg("Active-run check failed; skipping fire")
		return
	}
	if active {
		s.delayed.Add(1)
		firesTotal.WithLabelValues("skipped_active").Inc()
		log.Info().Str("region", j.regionID).Msg("Previous analysis still in flight; skipping this fire")
		return
	}

	select {
	case s.queue <- task{regionID: j.regionID, params: j.params}:
		s.waiting.Add(1)
		queueDepth.Set(float64(s.waiting.Load()))
		firesTotal.WithLabelValues("queued").Inc()
	default:
		s.delayed.Add(1)
		firesTotal.WithLabelValues("queue_full").Inc()
		log.Warn().Str("region", j.regionID).Msg("Firing queue full; deferring to next tick")
	}
}

// keepOwnership refreshes the claim at TTL/2. A failed refresh stops local
// firing immediately; the loop then tries to re-claim on the same cadence so
// a lapsed owner's schedule migrates within one TTL.
func (s *Scheduler) keepOwnership(ctx context.Context, j *job) {
	ticker := time.NewTicker(s.cfg.ClaimTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		key := claimKey(j.regionID)
		if j.owned.Load() {
			if !s.coord.Refresh(ctx, key, s.cfg.ClaimTTL) {
				j.owned.Store(false)
				log.Warn().Str("region", j.regionID).Msg("Lost schedule ownership; firing disabled until re-claim")
			}
			continue
		}
		if s.coord.Claim(ctx, key, s.cfg.ClaimTTL) {
			j.owned.Store(true)
			log.Info().Str("region", j.regionID).Msg("Acquired schedule ownership")
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.queue {
		s.waiting.Add(-1)
		queueDepth.Set(float64(s.waiting.Load()))
		s.active.Add(1)

		s.mu.Lock()
		j := s.jobs[t.regionID]
		s.mu.Unlock()
		if j != nil {
			j.running.Store(true)
		}

		run, err := s.runner.Run(context.Background(), t.regionID, t.params)
		switch {
		case err != nil:
			s.failed.Add(1)
			log.Error().Err(err).Str("region", t.regionID).Msg("Scheduled analysis did not complete")
		case run.Status == models.RunFailed || run.Status == models.RunTimedOut:
			s.failed.Add(1)
		default:
			s.completed.Add(1)
		}

		if j != nil {
			j.running.Store(false)
		}
		s.active.Add(-1)
	}
}

func claimKey(regionID string) string {
	return "scheduler:" + regionID
}
