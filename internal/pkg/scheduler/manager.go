package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
)

const (
	JobTokenRefresh = "token_refresh"
	JobWatchRenewal = "watch_renewal"
	JobAuditCleanup = "audit_cleanup"
)

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type jobState struct {
	Job
	ticker    *time.Ticker
	mu        sync.Mutex
	busy      bool
	runs      int
	lastRun   time.Time
	lastError string
}

// JobStatus is a snapshot of one job for health reporting.
type JobStatus struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Busy      bool       `json:"busy"`
	Runs      int        `json:"runs"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

type Status struct {
	Running bool        `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

// Manager starts and stops the renewal jobs as a unit. One Manager per
// process; there is no coordination between instances.
type Manager struct {
	jobs    []*jobState
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewManager(jobs ...Job) *Manager {
	m := &Manager{}
	for _, j := range jobs {
		m.jobs = append(m.jobs, &jobState{Job: j})
	}
	return m
}

// NewRenewalManager wires the three renewal jobs to their configured intervals.
func NewRenewalManager(cfg config.SchedulerConfig, r *Renewer) *Manager {
	return NewManager(
		Job{Name: JobTokenRefresh, Interval: cfg.TokenRefreshInterval, Run: func(ctx context.Context) error {
			_, err := r.RefreshExpiringTokens(ctx)
			return err
		}},
		Job{Name: JobWatchRenewal, Interval: cfg.WatchRenewalInterval, Run: func(ctx context.Context) error {
			_, err := r.RenewExpiringWatches(ctx)
			return err
		}},
		Job{Name: JobAuditCleanup, Interval: cfg.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := r.PurgeAuditLogs(ctx)
			return err
		}},
	)
}

// Start launches every job. It fails without starting anything when a job
// has no positive interval.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	for _, j := range m.jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("scheduler job %s: interval must be positive", j.Name)
		}
	}

	m.stopCh = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	log.Info("[Scheduler] Starting renewal jobs")

	for _, j := range m.jobs {
		j.ticker = time.NewTicker(j.Interval)
		m.wg.Add(1)
		go m.worker(m.ctx, j, j.ticker, m.stopCh)
	}

	log.Info("[Scheduler] Started successfully")
	return nil
}

// Stop stops new triggers and waits up to grace for in-flight runs. Runs
// still busy after grace are cancelled and abandoned. It reports whether
// every job finished in time.
func (m *Manager) Stop(grace time.Duration) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	log.Info("[Scheduler] Stopping renewal jobs...")
	for _, j := range m.jobs {
		j.ticker.Stop()
	}
	close(m.stopCh)
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		log.Info("[Scheduler] Stopped successfully")
		return true
	case <-time.After(grace):
		cancel()
		log.Warnf("[Scheduler] Jobs still running after %s, abandoning them", grace)
		return false
	}
}

func (m *Manager) worker(ctx context.Context, j *jobState, ticker *time.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()
	log.Infof("[Scheduler] Started %s worker (interval: %s)", j.Name, j.Interval)

	for {
		select {
		case <-stopCh:
			log.Infof("[Scheduler] %s worker stopping", j.Name)
			return
		case <-ticker.C:
			_ = m.run(ctx, j)
		}
	}
}

func (m *Manager) run(ctx context.Context, j *jobState) error {
	j.mu.Lock()
	if j.busy {
		j.mu.Unlock()
		log.Warnf("[Scheduler] %s is still running, skipping trigger", j.Name)
		return nil
	}
	j.busy = true
	j.mu.Unlock()

	start := time.Now()
	err := j.Run(ctx)

	j.mu.Lock()
	j.busy = false
	j.runs++
	j.lastRun = start
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		log.Errorf("[Scheduler] %s failed after %s: %v", j.Name, time.Since(start).Round(time.Millisecond), err)
	} else {
		log.Debugf("[Scheduler] %s finished in %s", j.Name, time.Since(start).Round(time.Millisecond))
	}
	return err
}

// RunOnce triggers a single run of the named job outside its schedule.
func (m *Manager) RunOnce(ctx context.Context, name string) error {
	for _, j := range m.jobs {
		if j.Name == name {
			return m.run(ctx, j)
		}
	}
	return fmt.Errorf("unknown scheduler job %q", name)
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) Status() Status {
	st := Status{Running: m.IsRunning()}
	for _, j := range m.jobs {
		j.mu.Lock()
		js := JobStatus{
			Name:      j.Name,
			Interval:  j.Interval.String(),
			Busy:      j.busy,
			Runs:      j.runs,
			LastError: j.lastError,
		}
		if !j.lastRun.IsZero() {
			last := j.lastRun
			js.LastRun = &last
		}
		j.mu.Unlock()
		st.Jobs = append(st.Jobs, js)
	}
	return st
}
