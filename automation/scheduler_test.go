package automation

import (
	"errors"
	"testing"
	"time"

	"leadloop/models"
)

func TestNormalizeDelay(t *testing.T) {
	cases := []struct {
		duration int
		unit     string
		want     time.Duration
		wantErr  bool
	}{
		{30, models.WaitUnitMinutes, 30 * time.Minute, false},
		{2, models.WaitUnitHours, 2 * time.Hour, false},
		{3, models.WaitUnitDays, 72 * time.Hour, false},
		{0, models.WaitUnitHours, 0, true},
		{-1, models.WaitUnitMinutes, 0, true},
		{1, "weeks", 0, true},
	}
	for _, tc := range cases {
		got, err := normalizeDelay(tc.duration, tc.unit)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizeDelay(%d, %q): expected error", tc.duration, tc.unit)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeDelay(%d, %q): %v", tc.duration, tc.unit, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalizeDelay(%d, %q) = %v, want %v", tc.duration, tc.unit, got, tc.want)
		}
	}
}

func TestPersistedWaitSurvivesRestart(t *testing.T) {
	rig := newTestRig(t)
	lead := seedLead(t, rig.db, "lead@example.com")
	first := seedTemplate(t, rig.db, "welcome")
	second := seedTemplate(t, rig.db, "nudge")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive,
		[]models.Action{sendAction(first.ID), waitAction(1, models.WaitUnitHours), sendAction(second.ID)})

	startExecution(t, rig, auto, lead.ID, "evt-1")

	// A fresh engine over the same storage stands in for a restarted process.
	// The pending wait is a row, not a goroutine, so the replacement picks it
	// up on its first poll.
	rig.clock.Advance(2 * time.Hour)
	replacement := NewEngine(rig.db, rig.oracle, rig.mailer, rig.clock, EngineConfig{
		Tick:              time.Second,
		MaxResumeAttempts: 3,
	})
	replacement.Scheduler.Poll()

	exec := loadExecution(t, rig.db, auto.ID, lead.ID)
	if exec.State != models.ExecutionStateCompleted {
		t.Fatalf("state after restart poll = %q, want completed", exec.State)
	}
	if n := rig.mailer.sentCount(); n != 2 {
		t.Errorf("emails sent = %d, want 2", n)
	}
}

func TestFreshClaimBlocksOtherPollers(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	metrics := NewMetricsAggregator(db)
	sched := NewDelayScheduler(db, clock, time.Second, 3, metrics)

	fired := 0
	sched.OnFire(func(executionID uint, stepIndex int) error {
		fired++
		// Simulate a claimant that neither finishes nor releases.
		return nil
	})

	claimed := clock.Now().Add(-time.Minute)
	step := models.ScheduledStep{
		ExecutionID: 1,
		StepIndex:   0,
		FireAt:      clock.Now().Add(-time.Hour),
		ClaimedAt:   &claimed,
	}
	if err := db.Create(&step).Error; err != nil {
		t.Fatalf("seed scheduled step: %v", err)
	}

	// Claimed a minute ago: another poller must leave the row alone.
	sched.Poll()
	if fired != 0 {
		t.Fatalf("fired = %d with fresh claim, want 0", fired)
	}

	// Past the claim TTL the claimant is presumed dead and the row is retaken.
	clock.Advance(6 * time.Minute)
	sched.Poll()
	if fired != 1 {
		t.Fatalf("fired = %d after claim expiry, want 1", fired)
	}
}

func TestResumeRetriesThenFailsExecution(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	metrics := NewMetricsAggregator(db)
	maxAttempts := 3
	sched := NewDelayScheduler(db, clock, time.Second, maxAttempts, metrics)

	attempts := 0
	sched.OnFire(func(executionID uint, stepIndex int) error {
		attempts++
		return errors.New("transient storage error")
	})

	auto := seedAutomation(t, db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{waitAction(1, models.WaitUnitHours)})
	exec := models.Execution{
		AutomationID:     auto.ID,
		LeadID:           1,
		TriggerEventID:   "evt-1",
		CurrentStepIndex: 0,
		State:            models.ExecutionStateWaitingStep,
		StartedAt:        clock.Now(),
	}
	if err := db.Create(&exec).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	step := models.ScheduledStep{
		ExecutionID: exec.ID,
		StepIndex:   0,
		FireAt:      clock.Now().Add(-time.Minute),
	}
	if err := db.Create(&step).Error; err != nil {
		t.Fatalf("seed scheduled step: %v", err)
	}

	for i := 0; i < maxAttempts; i++ {
		sched.Poll()
	}

	if attempts != maxAttempts {
		t.Fatalf("resume attempts = %d, want %d", attempts, maxAttempts)
	}

	var reloaded models.Execution
	if err := db.First(&reloaded, exec.ID).Error; err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if reloaded.State != models.ExecutionStateFailed {
		t.Fatalf("state = %q, want failed", reloaded.State)
	}
	if reloaded.FailureReason == "" {
		t.Error("failure_reason not recorded")
	}
	if n := countScheduledSteps(t, db); n != 0 {
		t.Errorf("scheduled steps after exhaustion = %d, want 0", n)
	}

	// Further polls find nothing.
	sched.Poll()
	if attempts != maxAttempts {
		t.Errorf("resume attempts after exhaustion = %d, want %d", attempts, maxAttempts)
	}
}

func TestExhaustionFailsExecutionLeftActive(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	sched := NewDelayScheduler(db, clock, time.Second, 1, NewMetricsAggregator(db))
	sched.OnFire(func(executionID uint, stepIndex int) error {
		return errors.New("died mid-run")
	})

	auto := seedAutomation(t, db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{waitAction(1, models.WaitUnitHours)})

	// A previous resume already applied the waiting_step transition before it
	// died, so the execution sits in active.
	exec := models.Execution{
		AutomationID:     auto.ID,
		LeadID:           1,
		TriggerEventID:   "evt-1",
		CurrentStepIndex: 1,
		State:            models.ExecutionStateActive,
		StartedAt:        clock.Now(),
	}
	if err := db.Create(&exec).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	step := models.ScheduledStep{ExecutionID: exec.ID, StepIndex: 0, FireAt: clock.Now().Add(-time.Minute)}
	if err := db.Create(&step).Error; err != nil {
		t.Fatalf("seed scheduled step: %v", err)
	}

	sched.Poll()

	var reloaded models.Execution
	if err := db.First(&reloaded, exec.ID).Error; err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if reloaded.State != models.ExecutionStateFailed {
		t.Fatalf("state = %q, want failed", reloaded.State)
	}
	if n := countScheduledSteps(t, db); n != 0 {
		t.Errorf("scheduled steps after exhaustion = %d, want 0", n)
	}
}

func TestScheduleAfterComputesAbsoluteFireTime(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	sched := NewDelayScheduler(db, clock, time.Second, 3, NewMetricsAggregator(db))

	if err := sched.ScheduleAfter(db, 42, 1, 90, models.WaitUnitMinutes); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	var step models.ScheduledStep
	if err := db.Where("execution_id = ?", 42).First(&step).Error; err != nil {
		t.Fatalf("load scheduled step: %v", err)
	}
	want := clock.Now().Add(90 * time.Minute)
	if !step.FireAt.Equal(want) {
		t.Errorf("fire_at = %v, want %v", step.FireAt, want)
	}
	if step.StepIndex != 1 {
		t.Errorf("step_index = %d, want 1", step.StepIndex)
	}
}
