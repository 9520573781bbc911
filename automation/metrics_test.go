package automation

import (
	"testing"

	"leadloop/models"
)

func seedExecutionInState(t *testing.T, rig *testRig, automationID uint, leadID uint, eventID, state string) *models.Execution {
	t.Helper()
	exec := &models.Execution{
		AutomationID:   automationID,
		LeadID:         leadID,
		TriggerEventID: eventID,
		State:          state,
		StartedAt:      rig.clock.Now(),
	}
	if err := rig.db.Create(exec).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return exec
}

func TestSuccessRateDerivedFromExecutions(t *testing.T) {
	rig := newTestRig(t)
	tpl := seedTemplate(t, rig.db, "welcome")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{sendAction(tpl.ID)})

	seedExecutionInState(t, rig, auto.ID, 1, "evt-1", models.ExecutionStateCompleted)
	seedExecutionInState(t, rig, auto.ID, 2, "evt-2", models.ExecutionStateCompleted)
	seedExecutionInState(t, rig, auto.ID, 3, "evt-3", models.ExecutionStateFailed)

	if err := rig.engine.Metrics.RecordExecutionFinished(auto.ID); err != nil {
		t.Fatalf("record finished: %v", err)
	}

	var reloaded models.Automation
	if err := rig.db.First(&reloaded, auto.ID).Error; err != nil {
		t.Fatalf("reload automation: %v", err)
	}
	if reloaded.SuccessRate != 66.67 {
		t.Errorf("success_rate = %v, want 66.67", reloaded.SuccessRate)
	}
}

func TestSuccessRateZeroWithoutExecutions(t *testing.T) {
	rig := newTestRig(t)
	tpl := seedTemplate(t, rig.db, "welcome")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{sendAction(tpl.ID)})

	if err := rig.engine.Metrics.RecordExecutionFinished(auto.ID); err != nil {
		t.Fatalf("record finished: %v", err)
	}

	var reloaded models.Automation
	if err := rig.db.First(&reloaded, auto.ID).Error; err != nil {
		t.Fatalf("reload automation: %v", err)
	}
	if reloaded.SuccessRate != 0 {
		t.Errorf("success_rate = %v, want 0", reloaded.SuccessRate)
	}
}

func TestRecordOutcomeAbsorbsDuplicates(t *testing.T) {
	rig := newTestRig(t)

	outcome := func() *models.StepOutcome {
		return &models.StepOutcome{
			ExecutionID:  1,
			StepIndex:    0,
			Result:       models.OutcomeOpened,
			AutomationID: 1,
			MessageID:    "1:0",
			OccurredAt:   rig.clock.Now(),
		}
	}
	if err := rig.engine.Metrics.RecordOutcome(outcome()); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := rig.engine.Metrics.RecordOutcome(outcome()); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	var n int64
	err := rig.db.Model(&models.StepOutcome{}).
		Where("execution_id = ? AND step_index = ? AND result = ?", 1, 0, models.OutcomeOpened).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count outcomes: %v", err)
	}
	if n != 1 {
		t.Errorf("outcomes = %d, want 1", n)
	}
}

func TestPreviewAggregatesCountsAndRates(t *testing.T) {
	rig := newTestRig(t)
	tpl := seedTemplate(t, rig.db, "welcome")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{sendAction(tpl.ID)})

	seedExecutionInState(t, rig, auto.ID, 1, "evt-1", models.ExecutionStateCompleted)
	seedExecutionInState(t, rig, auto.ID, 2, "evt-2", models.ExecutionStateActive)
	seedExecutionInState(t, rig, auto.ID, 3, "evt-3", models.ExecutionStateWaitingStep)
	seedExecutionInState(t, rig, auto.ID, 4, "evt-4", models.ExecutionStateFailed)

	outcomes := []models.StepOutcome{
		{ExecutionID: 1, StepIndex: 0, Result: models.OutcomeSent, AutomationID: auto.ID, MessageID: "1:0"},
		{ExecutionID: 2, StepIndex: 0, Result: models.OutcomeSent, AutomationID: auto.ID, MessageID: "2:0"},
		{ExecutionID: 3, StepIndex: 0, Result: models.OutcomeSent, AutomationID: auto.ID, MessageID: "3:0"},
		{ExecutionID: 1, StepIndex: 0, Result: models.OutcomeOpened, AutomationID: auto.ID, MessageID: "1:0"},
		{ExecutionID: 2, StepIndex: 0, Result: models.OutcomeBounced, AutomationID: auto.ID, MessageID: "2:0"},
	}
	for i := range outcomes {
		outcomes[i].OccurredAt = rig.clock.Now()
		if err := rig.engine.Metrics.RecordOutcome(&outcomes[i]); err != nil {
			t.Fatalf("seed outcome %d: %v", i, err)
		}
	}

	p, err := rig.engine.Metrics.Preview(auto.ID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	if p.Total != 4 {
		t.Errorf("total = %d, want 4", p.Total)
	}
	if p.Active != 2 {
		t.Errorf("active = %d, want 2 (running + waiting)", p.Active)
	}
	if p.Completed != 1 {
		t.Errorf("completed = %d, want 1", p.Completed)
	}
	if p.Failed != 1 {
		t.Errorf("failed = %d, want 1", p.Failed)
	}
	if p.EmailsSent != 3 {
		t.Errorf("emails_sent = %d, want 3", p.EmailsSent)
	}
	if p.OpenRate != 33.33 {
		t.Errorf("open_rate = %v, want 33.33", p.OpenRate)
	}
	if p.BounceRate != 33.33 {
		t.Errorf("bounce_rate = %v, want 33.33", p.BounceRate)
	}
}

func TestPreviewEmptyAutomation(t *testing.T) {
	rig := newTestRig(t)
	tpl := seedTemplate(t, rig.db, "welcome")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{sendAction(tpl.ID)})

	p, err := rig.engine.Metrics.Preview(auto.ID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Total != 0 || p.EmailsSent != 0 || p.OpenRate != 0 || p.BounceRate != 0 {
		t.Errorf("empty preview = %+v, want all zeros", p)
	}
}

func TestExecutionCountCountsAttempts(t *testing.T) {
	rig := newTestRig(t)
	tpl := seedTemplate(t, rig.db, "welcome")
	auto := seedAutomation(t, rig.db, models.TriggerSegmentEnter, 7,
		models.AutomationStatusActive, []models.Action{sendAction(tpl.ID)})

	for i := 0; i < 3; i++ {
		if err := rig.engine.Metrics.RecordExecutionStarted(auto.ID); err != nil {
			t.Fatalf("record started: %v", err)
		}
	}

	var reloaded models.Automation
	if err := rig.db.First(&reloaded, auto.ID).Error; err != nil {
		t.Fatalf("reload automation: %v", err)
	}
	if reloaded.ExecutionCount != 3 {
		t.Errorf("execution_count = %d, want 3", reloaded.ExecutionCount)
	}
}
