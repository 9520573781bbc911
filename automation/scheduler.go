package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// ResumeFunc hands a fired wait step back to the state machine.
type ResumeFunc func(executionID uint, stepIndex int) error

// DelayScheduler persists pending waits and fires them at or after their due
// time. Claims are conditional row updates, so several worker processes can
// poll the same table without double-firing a step. Delivery to the state
// machine is at-least-once; the send path is idempotent by dedup key.
type DelayScheduler struct {
	db          *gorm.DB
	clock       Clock
	tick        time.Duration
	maxAttempts int
	claimTTL    time.Duration
	metrics     *MetricsAggregator
	resume      ResumeFunc
	log         *logrus.Entry
}

func NewDelayScheduler(db *gorm.DB, clock Clock, tick time.Duration, maxAttempts int, metrics *MetricsAggregator) *DelayScheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &DelayScheduler{
		db:          db,
		clock:       clock,
		tick:        tick,
		maxAttempts: maxAttempts,
		claimTTL:    5 * time.Minute,
		metrics:     metrics,
		log:         logrus.WithField("component", "delay_scheduler"),
	}
}

// OnFire registers the state-machine resume callback. Must be called before
// Run; kept out of the constructor to break the scheduler/state-machine
// construction cycle.
func (s *DelayScheduler) OnFire(fn ResumeFunc) {
	s.resume = fn
}

// ScheduleAfter converts the delay to one absolute fire time and persists the
// pending step. Runs inside the caller's transaction so the waiting_step
// transition and the scheduled row commit together.
func (s *DelayScheduler) ScheduleAfter(tx *gorm.DB, executionID uint, stepIndex, duration int, unit string) error {
	d, err := normalizeDelay(duration, unit)
	if err != nil {
		return err
	}
	// An execution holds one pending wait at a time. When the run continues
	// straight from one wait into the next, the fired row is still present
	// until the scheduler's hand-off finishes, so it is replaced here rather
	// than left to collide with the unique index.
	if err := tx.Unscoped().
		Where("execution_id = ?", executionID).
		Delete(&models.ScheduledStep{}).Error; err != nil {
		return err
	}
	step := models.ScheduledStep{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		FireAt:      s.clock.Now().Add(d),
	}
	return tx.Create(&step).Error
}

func normalizeDelay(duration int, unit string) (time.Duration, error) {
	if duration <= 0 {
		return 0, fmt.Errorf("wait duration must be positive, got %d", duration)
	}
	switch unit {
	case models.WaitUnitMinutes:
		return time.Duration(duration) * time.Minute, nil
	case models.WaitUnitHours:
		return time.Duration(duration) * time.Hour, nil
	case models.WaitUnitDays:
		return time.Duration(duration) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown wait unit %q", unit)
	}
}

// Run polls for due steps until the context is cancelled. An immediate first
// poll picks up waits that came due while the process was down.
func (s *DelayScheduler) Run(ctx context.Context) {
	s.log.WithField("tick", s.tick).Info("delay scheduler started")

	s.Poll()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("delay scheduler shutting down")
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll claims and fires every step due at the current tick. Exported so tests
// drive the loop deterministically instead of sleeping.
func (s *DelayScheduler) Poll() {
	now := s.clock.Now()
	staleBefore := now.Add(-s.claimTTL)

	var due []models.ScheduledStep
	err := s.db.
		Where("fire_at <= ?", now).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Order("fire_at").
		Find(&due).Error
	if err != nil {
		s.log.WithError(err).Error("failed to load due steps")
		return
	}

	for i := range due {
		s.fire(&due[i], now, staleBefore)
	}
}

func (s *DelayScheduler) fire(step *models.ScheduledStep, now, staleBefore time.Time) {
	// Atomic claim: only one worker wins the row. A stale claimed_at means the
	// previous claimant died mid-resume and the row is up for grabs again.
	res := s.db.Model(&models.ScheduledStep{}).
		Where("id = ? AND (claimed_at IS NULL OR claimed_at < ?)", step.ID, staleBefore).
		Updates(map[string]interface{}{
			"claimed_at":    now,
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
		})
	if res.Error != nil {
		s.log.WithError(res.Error).Error("claim update failed")
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	step.AttemptCount++

	if err := s.resume(step.ExecutionID, step.StepIndex); err != nil {
		s.handleResumeFailure(step, err)
		return
	}

	// Hand-off complete: the pending wait is destroyed.
	if err := s.db.Unscoped().Delete(&models.ScheduledStep{}, step.ID).Error; err != nil {
		s.log.WithError(err).Error("failed to delete fired step")
	}
}

func (s *DelayScheduler) handleResumeFailure(step *models.ScheduledStep, cause error) {
	claimErr := &SchedulerClaimError{
		ExecutionID: step.ExecutionID,
		StepIndex:   step.StepIndex,
		Cause:       cause,
	}
	s.log.WithError(claimErr).WithFields(logrus.Fields{
		"execution_id": step.ExecutionID,
		"attempt":      step.AttemptCount,
	}).Warn("wait resume failed")

	if step.AttemptCount < s.maxAttempts {
		// Release the claim for a later tick.
		if err := s.db.Model(&models.ScheduledStep{}).
			Where("id = ?", step.ID).
			Update("claimed_at", nil).Error; err != nil {
			s.log.WithError(err).Error("failed to release claim")
		}
		return
	}

	// Attempts exhausted: the execution fails and keeps the reason for
	// operator visibility.
	sentry.CaptureException(claimErr)
	reason := fmt.Sprintf("wait resume gave up after %d attempts: %v", step.AttemptCount, cause)

	var exec models.Execution
	if err := s.db.First(&exec, step.ExecutionID).Error; err != nil {
		s.log.WithError(err).Error("failed to load execution for claim exhaustion")
		return
	}
	// The execution may still be waiting_step, or already active when a resume
	// died after applying the transition; both are failed here.
	err := s.db.Model(&models.Execution{}).
		Where("id = ? AND state IN ?", exec.ID,
			[]string{models.ExecutionStateWaitingStep, models.ExecutionStateActive}).
		Updates(map[string]interface{}{
			"state":          models.ExecutionStateFailed,
			"failure_reason": reason,
			"completed_at":   s.clock.Now(),
		}).Error
	if err != nil {
		s.log.WithError(err).Error("failed to mark execution failed")
		return
	}
	if err := s.metrics.RecordExecutionFinished(exec.AutomationID); err != nil {
		s.log.WithError(err).Error("failed to refresh success rate")
	}
	if err := s.db.Unscoped().Delete(&models.ScheduledStep{}, step.ID).Error; err != nil {
		s.log.WithError(err).Error("failed to delete exhausted step")
	}
}
