package history

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/sessiond/internal/metrics"
)

const (
	// DefaultPollInterval is how often armed sessions are checked.
	DefaultPollInterval = 45 * time.Second
	// DefaultCooldown is how long the history stream must be quiet before
	// the import starts.
	DefaultCooldown = 45 * time.Second

	// StatusRunning is the progress marker of a session whose import started.
	StatusRunning = "Running"
)

// ProgressStore persists a session's import progress marker.
type ProgressStore interface {
	UpdateImportProgress(ctx context.Context, accountID int64, marker string) error
}

// Target identifies the session an import is armed for.
type Target struct {
	AccountID int64
	TenantID  int64
	Window    Window
	// Progress is the persisted marker; StatusRunning means the import
	// already started in an earlier process.
	Progress string
}

// Options configures a Throttler.
type Options struct {
	Job          Job
	Progress     ProgressStore
	PollInterval time.Duration
	Cooldown     time.Duration
	// TrustFinal lets a batch flagged final skip the cooldown.
	TrustFinal bool
	Log        *logrus.Entry
}

type armed struct {
	target    Target
	queue     []Message
	lastBatch time.Time
	seen      bool
	final     bool
	started   bool
}

// Throttler accumulates history messages per session and starts the import
// job once per session after the stream goes quiet.
type Throttler struct {
	job          Job
	progress     ProgressStore
	pollInterval time.Duration
	cooldown     time.Duration
	trustFinal   bool
	log          *logrus.Entry
	now          func() time.Time

	mu       sync.Mutex
	sessions map[int64]*armed

	loopMu   sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewThrottler creates a Throttler. Job is required.
func NewThrottler(opts Options) (*Throttler, error) {
	if opts.Job == nil {
		return nil, errors.New("history: throttler: job is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Throttler{
		job:          opts.Job,
		progress:     opts.Progress,
		pollInterval: opts.PollInterval,
		cooldown:     opts.Cooldown,
		trustFinal:   opts.TrustFinal,
		log:          opts.Log.WithField("component", "import"),
		now:          time.Now,
		sessions:     make(map[int64]*armed),
	}, nil
}

// Arm starts collecting history for a session. Arming an armed session keeps
// its queue. A session whose import already started is not armed.
func (t *Throttler) Arm(ctx context.Context, target Target) {
	if target.Progress == StatusRunning {
		t.log.Debugf("[%d] Import already running, not arming", target.AccountID)
		return
	}

	t.mu.Lock()
	if s, ok := t.sessions[target.AccountID]; ok {
		s.target.Window = target.Window
		s.target.TenantID = target.TenantID
		t.mu.Unlock()
		return
	}
	t.sessions[target.AccountID] = &armed{target: target}
	t.mu.Unlock()

	t.log.Infof("[%d] Import armed: %s to %s (groups=%t)", target.AccountID,
		target.Window.Start.Format(time.RFC3339), target.Window.End.Format(time.RFC3339), target.Window.IncludeGroups)
	t.saveProgress(ctx, target.AccountID, marker(t.now()))
}

// Disarm drops a session and its pending queue.
func (t *Throttler) Disarm(accountID int64) {
	t.mu.Lock()
	_, ok := t.sessions[accountID]
	delete(t.sessions, accountID)
	t.mu.Unlock()
	if ok {
		t.log.Debugf("[%d] Import disarmed", accountID)
	}
}

// Armed reports whether a session is armed and how many messages it queued.
func (t *Throttler) Armed(accountID int64) (queued int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[accountID]
	if !ok {
		return 0, false
	}
	return len(s.queue), true
}

// Observe queues the eligible messages of a batch and records the batch time.
// It returns the number of messages queued. Batches for sessions that are not
// armed, or whose import started, are ignored.
func (t *Throttler) Observe(ctx context.Context, accountID int64, batch Batch) int {
	now := t.now()

	t.mu.Lock()
	s, ok := t.sessions[accountID]
	if !ok || s.started {
		t.mu.Unlock()
		return 0
	}
	eligible := s.target.Window.Filter(batch.Messages)
	s.queue = append(s.queue, eligible...)
	s.lastBatch = now
	s.seen = true
	if batch.Final {
		s.final = true
	}
	total := len(s.queue)
	t.mu.Unlock()

	metrics.HistoryBatches.Inc()
	metrics.HistoryMessagesQueued.Add(float64(len(eligible)))
	t.log.Debugf("[%d] History batch: %d/%d eligible, %d queued", accountID, len(eligible), len(batch.Messages), total)
	t.saveProgress(ctx, accountID, marker(now))
	return len(eligible)
}

// Check starts the import for every session that is quiet at now. It returns
// the number of imports started.
func (t *Throttler) Check(ctx context.Context, now time.Time) int {
	type ready struct {
		target Target
		queue  []Message
	}
	var due []ready

	t.mu.Lock()
	for _, s := range t.sessions {
		if s.started || !s.seen {
			continue
		}
		quiet := now.Sub(s.lastBatch) > t.cooldown
		if !quiet && !(t.trustFinal && s.final) {
			continue
		}
		s.started = true
		due = append(due, ready{target: s.target, queue: s.queue})
		s.queue = nil
	}
	t.mu.Unlock()

	started := 0
	for _, r := range due {
		req := ImportRequest{
			JobID:       uuid.NewString(),
			AccountID:   r.target.AccountID,
			TenantID:    r.target.TenantID,
			Window:      r.target.Window,
			Messages:    r.queue,
			RequestedAt: now,
		}
		if err := t.job.StartImport(ctx, req); err != nil {
			t.log.Errorf("[%d] Import start failed, retrying next check: %v", r.target.AccountID, err)
			t.requeue(r.target.AccountID, r.queue)
			continue
		}
		started++
		metrics.ImportsStarted.Inc()
		t.log.Infof("[%d] Import started: job=%s messages=%d", r.target.AccountID, req.JobID, len(req.Messages))
		t.saveProgress(ctx, r.target.AccountID, StatusRunning)
	}
	return started
}

func (t *Throttler) requeue(accountID int64, queue []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[accountID]
	if !ok {
		return
	}
	s.started = false
	s.queue = append(queue, s.queue...)
}

// Start runs Check every poll interval until Stop.
func (t *Throttler) Start() {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.running {
		return
	}
	t.stopChan = make(chan struct{})
	t.running = true
	go t.loop(t.stopChan)
	t.log.Infof("Import throttler started (poll every %s, cooldown %s)", t.pollInterval, t.cooldown)
}

// Stop ends the check loop.
func (t *Throttler) Stop() {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if !t.running {
		return
	}
	close(t.stopChan)
	t.running = false
	t.log.Info("Import throttler stopped")
}

func (t *Throttler) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.logWaiting(now)
			t.Check(context.Background(), now)
		}
	}
}

func (t *Throttler) logWaiting(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if s.seen && !s.started {
			t.log.Debugf("[%d] Last history batch %s", id, humanize.RelTime(s.lastBatch, now, "ago", "from now"))
		}
	}
}

func (t *Throttler) saveProgress(ctx context.Context, accountID int64, m string) {
	if t.progress == nil {
		return
	}
	if err := t.progress.UpdateImportProgress(ctx, accountID, m); err != nil {
		t.log.Warnf("[%d] Failed to persist import progress %q: %v", accountID, m, err)
	}
}

func marker(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}
