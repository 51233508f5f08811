// Package sweep implements the scheduled batch jobs that drive time-based
// engagement transitions: the daily inactivity sweep and the weekly review
// fan-out. Jobs process users independently so one bad record never aborts
// the batch.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
)

const (
	// DefaultWorkers bounds how many users a sweep processes concurrently.
	DefaultWorkers = 8
	// DefaultPerUserTimeout bounds the work done for a single user.
	DefaultPerUserTimeout = 10 * time.Second
	// WeeklyActiveWindow selects users with activity in the trailing week.
	WeeklyActiveWindow = 7 * 24 * time.Hour
)

// Result summarizes a completed sweep run.
type Result struct {
	Job        string   `json:"job"`
	Processed  int      `json:"processed"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	DurationMs int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

// collector accumulates per-user outcomes across pool goroutines.
type collector struct {
	mu sync.Mutex
	r  Result
}

func (c *collector) success() {
	c.mu.Lock()
	c.r.Succeeded++
	c.mu.Unlock()
}

func (c *collector) skip() {
	c.mu.Lock()
	c.r.Skipped++
	c.mu.Unlock()
}

func (c *collector) fail(userID string, err error) {
	c.mu.Lock()
	c.r.Failed++
	c.r.Errors = append(c.r.Errors, fmt.Sprintf("%s: %v", userID, err))
	c.mu.Unlock()
}

// DailyJob runs the three daily phases: detect inactivity, expire unanswered
// goodbyes, and fire due reminders.
type DailyJob struct {
	store          store.Store
	engine         *engagement.Engine
	workers        int
	perUserTimeout time.Duration
}

// NewDailyJob creates a DailyJob with default concurrency settings.
func NewDailyJob(st store.Store, engine *engagement.Engine) *DailyJob {
	return &DailyJob{
		store:          st,
		engine:         engine,
		workers:        DefaultWorkers,
		perUserTimeout: DefaultPerUserTimeout,
	}
}

// Run executes the daily sweep. Phases run sequentially; users within a phase
// run concurrently. A partial failure is reported in the Result, not as an
// error: only a failure to list candidates aborts a phase.
func (j *DailyJob) Run(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	col := &collector{r: Result{Job: "daily_sweep"}}

	slog.Info("DailyJob.Run: starting", "now", now.Format(time.RFC3339))

	type phase struct {
		name    string
		list    func() ([]models.UserEngagementState, error)
		process func(ctx context.Context, state models.UserEngagementState) error
	}
	phases := []phase{
		{
			name: "goodbye_recovery",
			list: func() ([]models.UserEngagementState, error) {
				return j.store.ListOpenGoodbyes(now)
			},
			process: j.processOpenGoodbye,
		},
		{
			name: "inactivity",
			list: func() ([]models.UserEngagementState, error) {
				return j.store.ListInactiveSince(now.Add(-models.InactivityThreshold))
			},
			process: j.processInactive,
		},
		{
			name: "goodbye_timeout",
			list: func() ([]models.UserEngagementState, error) {
				return j.store.ListExpiredGoodbyes(now)
			},
			process: j.processExpiredGoodbye,
		},
		{
			name: "reminder_due",
			list: func() ([]models.UserEngagementState, error) {
				return j.store.ListDueReminders(now)
			},
			process: j.processDueReminder,
		},
	}

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			col.r.DurationMs = time.Since(start).Milliseconds()
			return col.r, fmt.Errorf("daily sweep interrupted before %s phase: %w", ph.name, err)
		}
		candidates, err := ph.list()
		if err != nil {
			col.r.DurationMs = time.Since(start).Milliseconds()
			return col.r, fmt.Errorf("failed to list %s candidates: %w", ph.name, err)
		}
		slog.Info("DailyJob.Run: phase candidates", "phase", ph.name, "count", len(candidates))
		j.runPhase(ctx, col, candidates, ph.process)
	}

	col.r.DurationMs = time.Since(start).Milliseconds()
	slog.Info("DailyJob.Run: finished",
		"processed", col.r.Processed, "succeeded", col.r.Succeeded,
		"failed", col.r.Failed, "skipped", col.r.Skipped, "durationMs", col.r.DurationMs)
	return col.r, nil
}

// runPhase fans candidates out over the worker pool. Each user gets its own
// timeout and panic isolation.
func (j *DailyJob) runPhase(ctx context.Context, col *collector, candidates []models.UserEngagementState, process func(context.Context, models.UserEngagementState) error) {
	p := pool.New().WithMaxGoroutines(j.workers)
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		candidate := candidate
		col.mu.Lock()
		col.r.Processed++
		col.mu.Unlock()
		p.Go(func() {
			processUser(ctx, col, candidate, j.perUserTimeout, process)
		})
	}
	p.Wait()
}

// processUser wraps a single user's work with a deadline and panic recovery so
// one pathological record cannot take the sweep down.
func processUser(ctx context.Context, col *collector, state models.UserEngagementState, timeout time.Duration, process func(context.Context, models.UserEngagementState) error) {
	userCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sweep: panic processing user", "userID", state.UserID, "panic", r)
			col.fail(state.UserID, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := process(userCtx, state); err != nil {
		if err == errSkipped {
			col.skip()
			return
		}
		slog.Error("sweep: user processing failed", "userID", state.UserID, "error", err)
		col.fail(state.UserID, err)
		return
	}
	col.success()
}

// errSkipped signals that a candidate needed no work, distinct from a failure.
var errSkipped = fmt.Errorf("skipped")

// processInactive moves a 14-day-silent user into goodbye_sent and enqueues
// the goodbye message. The idempotency key is derived from the send date, so
// overlapping or re-run sweeps cannot double-send.
func (j *DailyJob) processInactive(ctx context.Context, state models.UserEngagementState) error {
	sentAt := time.Now()
	res, err := j.engine.ApplyTransition(ctx, state.UserID, models.TriggerInactivity14d, sentAt)
	if err != nil {
		if err == engagement.ErrConflict {
			// Concurrent inbound activity won the race; the user is no longer
			// a goodbye candidate.
			slog.Debug("DailyJob: inactivity race lost to live activity", "userID", state.UserID)
			return errSkipped
		}
		return fmt.Errorf("failed to apply inactivity transition: %w", err)
	}
	if !res.Applied {
		return errSkipped
	}
	// sentAt is the committed goodbye_sent_at, so the idempotency key matches
	// what a later recovery pass would derive from the stored record.
	return j.enqueueGoodbye(ctx, state.UserID, sentAt)
}

// processOpenGoodbye re-attempts the goodbye enqueue for a user already in
// goodbye_sent with an open reply window. A prior run may have committed the
// transition and then lost the enqueue; the key derives from the stored send
// time, so users whose message already went out see a no-op.
func (j *DailyJob) processOpenGoodbye(ctx context.Context, state models.UserEngagementState) error {
	if state.GoodbyeSentAt == nil {
		return errSkipped
	}
	return j.enqueueGoodbye(ctx, state.UserID, *state.GoodbyeSentAt)
}

// processExpiredGoodbye moves an unanswered goodbye into dormant.
func (j *DailyJob) processExpiredGoodbye(ctx context.Context, state models.UserEngagementState) error {
	res, err := j.engine.ApplyTransition(ctx, state.UserID, models.TriggerGoodbyeTimeout, time.Now())
	if err != nil {
		if err == engagement.ErrConflict {
			slog.Debug("DailyJob: goodbye timeout race lost to a reply", "userID", state.UserID)
			return errSkipped
		}
		return fmt.Errorf("failed to apply goodbye timeout: %w", err)
	}
	if !res.Applied {
		return errSkipped
	}
	return nil
}

// processDueReminder moves a remind-later user whose reminder lapsed without
// activity into dormant. No message is sent; the user asked for quiet and
// never came back.
func (j *DailyJob) processDueReminder(ctx context.Context, state models.UserEngagementState) error {
	res, err := j.engine.ApplyTransition(ctx, state.UserID, models.TriggerReminderDue, time.Now())
	if err != nil {
		if err == engagement.ErrConflict {
			slog.Debug("DailyJob: reminder race lost to live activity", "userID", state.UserID)
			return errSkipped
		}
		return fmt.Errorf("failed to apply reminder transition: %w", err)
	}
	if !res.Applied {
		return errSkipped
	}
	return nil
}

func (j *DailyJob) enqueueGoodbye(ctx context.Context, userID string, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("goodbye enqueue aborted for %s: %w", userID, err)
	}
	msg := models.QueuedMessage{
		ID:             util.GenerateMessageID(),
		UserID:         userID,
		MessageType:    models.MessageTypeGoodbye,
		MessageKey:     "engagement.goodbye",
		Destination:    userID,
		ScheduledFor:   sentAt,
		Status:         models.MessageStatusPending,
		IdempotencyKey: models.GoodbyeIdempotencyKey(userID, sentAt),
	}
	id, err := j.store.EnqueueMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to enqueue goodbye: %w", err)
	}
	if id != msg.ID {
		slog.Debug("DailyJob: goodbye already enqueued", "userID", userID, "existingID", id)
	}
	return nil
}

// WeeklyJob enqueues the weekly review for every user active in the trailing
// week. It never touches engagement state.
type WeeklyJob struct {
	store          store.Store
	workers        int
	perUserTimeout time.Duration
}

// NewWeeklyJob creates a WeeklyJob with default concurrency settings.
func NewWeeklyJob(st store.Store) *WeeklyJob {
	return &WeeklyJob{
		store:          st,
		workers:        DefaultWorkers,
		perUserTimeout: DefaultPerUserTimeout,
	}
}

// Run executes the weekly sweep. The idempotency key embeds the ISO week, so
// a re-run within the same week is a no-op per user.
func (j *WeeklyJob) Run(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	col := &collector{r: Result{Job: "weekly_sweep"}}

	candidates, err := j.store.ListActiveSince(now.Add(-WeeklyActiveWindow))
	if err != nil {
		col.r.DurationMs = time.Since(start).Milliseconds()
		return col.r, fmt.Errorf("failed to list weekly review candidates: %w", err)
	}
	slog.Info("WeeklyJob.Run: starting", "candidates", len(candidates))

	p := pool.New().WithMaxGoroutines(j.workers)
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		candidate := candidate
		col.mu.Lock()
		col.r.Processed++
		col.mu.Unlock()
		p.Go(func() {
			processUser(ctx, col, candidate, j.perUserTimeout, func(userCtx context.Context, state models.UserEngagementState) error {
				return j.enqueueWeeklyReview(userCtx, state.UserID, now)
			})
		})
	}
	p.Wait()

	col.r.DurationMs = time.Since(start).Milliseconds()
	slog.Info("WeeklyJob.Run: finished",
		"processed", col.r.Processed, "succeeded", col.r.Succeeded,
		"failed", col.r.Failed, "durationMs", col.r.DurationMs)
	return col.r, nil
}

func (j *WeeklyJob) enqueueWeeklyReview(ctx context.Context, userID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("weekly review enqueue aborted for %s: %w", userID, err)
	}
	msg := models.QueuedMessage{
		ID:             util.GenerateMessageID(),
		UserID:         userID,
		MessageType:    models.MessageTypeWeeklyReview,
		MessageKey:     "engagement.weekly_review",
		Destination:    userID,
		ScheduledFor:   now,
		Status:         models.MessageStatusPending,
		IdempotencyKey: models.WeeklyReviewIdempotencyKey(userID, now),
	}
	id, err := j.store.EnqueueMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to enqueue weekly review: %w", err)
	}
	if id != msg.ID {
		slog.Debug("WeeklyJob: review already enqueued", "userID", userID, "existingID", id)
	}
	return nil
}
