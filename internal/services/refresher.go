package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/live"
	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

// JobInfo describes one scheduled job for the health surface
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	Runs     int64     `json:"runs"`
}

// Refresher runs the periodic read-side maintenance: re-warming the live
// round window cache and pruning idle per-sender limiter state. It never
// writes round data.
type Refresher struct {
	cron     *cron.Cron
	store    store.Store
	cache    *CacheService
	logger   *logrus.Entry
	schedule string
	window   int

	mu      sync.Mutex
	jobs    map[string]*JobInfo
	pruners []func() int
	running bool
}

// NewRefresher builds the scheduler; Start arms it
func NewRefresher(st store.Store, cache *CacheService, schedule string, window int, logger *logrus.Logger) *Refresher {
	return &Refresher{
		cron:     cron.New(),
		store:    st,
		cache:    cache,
		logger:   logger.WithField("component", "refresher"),
		schedule: schedule,
		window:   window,
		jobs:     make(map[string]*JobInfo),
	}
}

// AddPruner registers a cleanup hook run on the hourly sweep
func (r *Refresher) AddPruner(fn func() int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruners = append(r.pruners, fn)
}

// Start schedules the jobs and starts the cron loop
func (r *Refresher) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.track("live_window_refresh")
		r.refreshLiveWindow()
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@hourly", func() {
		r.track("limiter_prune")
		r.prune()
	}); err != nil {
		return err
	}

	r.jobs["live_window_refresh"] = &JobInfo{Name: "live_window_refresh", Schedule: r.schedule}
	r.jobs["limiter_prune"] = &JobInfo{Name: "limiter_prune", Schedule: "@hourly"}

	r.cron.Start()
	r.running = true
	r.logger.WithField("schedule", r.schedule).Info("refresher started")
	return nil
}

// Stop halts the cron loop, waiting for a running job to finish
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info("refresher stopped")
}

// Status lists the scheduled jobs
func (r *Refresher) Status() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

func (r *Refresher) track(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[name]; ok {
		j.LastRun = time.Now().UTC()
		j.Runs++
	}
}

// refreshLiveWindow re-runs the discovery window query and caches the
// decoded rounds for the stateless discovery endpoint
func (r *Refresher) refreshLiveWindow() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docs, err := r.store.RunQuery(ctx, live.LiveWindowQuery(r.window))
	if err != nil {
		r.logger.WithError(err).Warn("failed to refresh live round window")
		return
	}

	rounds := make([]models.Round, 0, len(docs))
	for _, doc := range docs {
		var round models.Round
		if err := doc.Decode(&round); err != nil {
			continue
		}
		if round.ID == "" {
			round.ID = doc.ID
		}
		rounds = append(rounds, round)
	}

	if err := r.cache.Set(ctx, LiveWindowKey(), rounds); err != nil {
		r.logger.WithError(err).Warn("failed to cache live round window")
	}
	r.logger.WithField("live_rounds", len(rounds)).Debug("live round window refreshed")
}

func (r *Refresher) prune() {
	r.mu.Lock()
	pruners := make([]func() int, len(r.pruners))
	copy(pruners, r.pruners)
	r.mu.Unlock()

	total := 0
	for _, fn := range pruners {
		total += fn()
	}
	if total > 0 {
		r.logger.WithField("pruned", total).Info("idle limiter state pruned")
	}
}
