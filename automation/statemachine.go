package automation

import (
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// errLostRace signals that another worker advanced the execution first. The
// loser simply stops; the owner carries the execution forward.
var errLostRace = errors.New("execution advanced by another worker")

// ExecutionStateMachine advances executions through their automation's action
// list. All durable state lives in the executions table so any worker can
// resume any execution after a crash or redeploy; nothing is pinned to an
// in-memory goroutine across a wait.
type ExecutionStateMachine struct {
	db        *gorm.DB
	scheduler *DelayScheduler
	executor  StepExecutor
	metrics   *MetricsAggregator
	clock     Clock
	log       *logrus.Entry
}

func NewExecutionStateMachine(db *gorm.DB, scheduler *DelayScheduler, executor StepExecutor, metrics *MetricsAggregator, clock Clock) *ExecutionStateMachine {
	return &ExecutionStateMachine{
		db:        db,
		scheduler: scheduler,
		executor:  executor,
		metrics:   metrics,
		clock:     clock,
		log:       logrus.WithField("component", "state_machine"),
	}
}

// Run drives an execution forward until it completes, fails, or suspends on a
// wait step. Safe to call concurrently for the same execution: every advance
// is a conditional row update, so exactly one caller wins each step.
func (sm *ExecutionStateMachine) Run(executionID uint) error {
	for {
		var exec models.Execution
		if err := sm.db.First(&exec, executionID).Error; err != nil {
			return err
		}
		if exec.State != models.ExecutionStateActive {
			// Terminal, or waiting on the scheduler.
			return nil
		}

		// The action list is re-read by index at the start of every step, not
		// frozen at creation: an edit made while the automation was paused
		// applies to executions still short of the edited index.
		var auto models.Automation
		if err := sm.db.First(&auto, exec.AutomationID).Error; err != nil {
			return err
		}

		if exec.CurrentStepIndex >= len(auto.Actions) {
			return sm.complete(&exec)
		}
		action := auto.Actions[exec.CurrentStepIndex]

		switch action.Kind {
		case models.ActionSendEmail:
			if err := sm.runSendStep(&exec, action); err != nil {
				if errors.Is(err, errLostRace) {
					return nil
				}
				return err
			}

		case models.ActionWait:
			err := sm.suspendOnWait(&exec, action)
			if errors.Is(err, errLostRace) {
				return nil
			}
			// Suspended (or a real error): either way this run is done.
			return err

		default:
			return sm.fail(&exec, fmt.Sprintf("unknown action kind %q at step %d", action.Kind, exec.CurrentStepIndex))
		}
	}
}

// Resume is the scheduler's hand-back: it moves a waiting execution past its
// wait step and continues the run loop. A no-op if another worker already
// resumed it or the execution moved on.
func (sm *ExecutionStateMachine) Resume(executionID uint, stepIndex int) error {
	res := sm.db.Model(&models.Execution{}).
		Where("id = ? AND state = ? AND current_step_index = ?",
			executionID, models.ExecutionStateWaitingStep, stepIndex).
		Updates(map[string]interface{}{
			"state":              models.ExecutionStateActive,
			"current_step_index": stepIndex + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// The transition was already applied, either by a worker that died
		// before finishing the run or by an earlier attempt that failed midway.
		// An execution left active still needs driving; Run's conditional
		// advances keep a duplicate caller harmless.
		var exec models.Execution
		if err := sm.db.First(&exec, executionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if exec.State != models.ExecutionStateActive {
			// Terminal, or waiting on a later step: nothing left of this fire.
			return nil
		}
	}

	if err := sm.Run(executionID); err != nil {
		var stepErr *StepExecutionError
		if errors.As(err, &stepErr) {
			// Permanent: already recorded on the execution. Do not make the
			// scheduler retry it.
			return nil
		}
		return err
	}
	return nil
}

func (sm *ExecutionStateMachine) runSendStep(exec *models.Execution, action models.Action) error {
	messageID, sendErr := sm.executor.ExecuteSendEmail(exec, action)

	if sendErr != nil {
		stepErr := &StepExecutionError{ExecutionID: exec.ID, StepIndex: exec.CurrentStepIndex, Cause: sendErr}
		if err := sm.metrics.RecordOutcome(&models.StepOutcome{
			ExecutionID:  exec.ID,
			StepIndex:    exec.CurrentStepIndex,
			Result:       models.OutcomeFailed,
			AutomationID: exec.AutomationID,
			OccurredAt:   sm.clock.Now(),
		}); err != nil {
			sm.log.WithError(err).Error("failed to record step failure outcome")
		}
		if err := sm.fail(exec, stepErr.Error()); err != nil {
			return err
		}
		sentry.CaptureException(stepErr)
		return stepErr
	}

	if err := sm.metrics.RecordOutcome(&models.StepOutcome{
		ExecutionID:  exec.ID,
		StepIndex:    exec.CurrentStepIndex,
		Result:       models.OutcomeSent,
		AutomationID: exec.AutomationID,
		MessageID:    messageID,
		OccurredAt:   sm.clock.Now(),
	}); err != nil {
		return err
	}

	// Advance past the step. The conditional update is the per-execution
	// mutual exclusion for synchronous steps.
	res := sm.db.Model(&models.Execution{}).
		Where("id = ? AND state = ? AND current_step_index = ?",
			exec.ID, models.ExecutionStateActive, exec.CurrentStepIndex).
		UpdateColumn("current_step_index", exec.CurrentStepIndex+1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errLostRace
	}
	return nil
}

// suspendOnWait is the only suspension point: persist the pending step and
// return, never block a thread for the delay.
func (sm *ExecutionStateMachine) suspendOnWait(exec *models.Execution, action models.Action) error {
	return sm.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Execution{}).
			Where("id = ? AND state = ? AND current_step_index = ?",
				exec.ID, models.ExecutionStateActive, exec.CurrentStepIndex).
			UpdateColumn("state", models.ExecutionStateWaitingStep)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}
		return sm.scheduler.ScheduleAfter(tx, exec.ID, exec.CurrentStepIndex, action.Duration, action.Unit)
	})
}

func (sm *ExecutionStateMachine) complete(exec *models.Execution) error {
	now := sm.clock.Now()
	res := sm.db.Model(&models.Execution{}).
		Where("id = ? AND state = ?", exec.ID, models.ExecutionStateActive).
		Updates(map[string]interface{}{
			"state":        models.ExecutionStateCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	sm.log.WithFields(logrus.Fields{
		"execution_id":  exec.ID,
		"automation_id": exec.AutomationID,
	}).Info("execution completed")
	return sm.metrics.RecordExecutionFinished(exec.AutomationID)
}

func (sm *ExecutionStateMachine) fail(exec *models.Execution, reason string) error {
	now := sm.clock.Now()
	res := sm.db.Model(&models.Execution{}).
		Where("id = ? AND state IN ?", exec.ID,
			[]string{models.ExecutionStateActive, models.ExecutionStateWaitingStep}).
		Updates(map[string]interface{}{
			"state":          models.ExecutionStateFailed,
			"failure_reason": reason,
			"completed_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	sm.log.WithFields(logrus.Fields{
		"execution_id":  exec.ID,
		"automation_id": exec.AutomationID,
		"reason":        reason,
	}).Warn("execution failed")
	return sm.metrics.RecordExecutionFinished(exec.AutomationID)
}
