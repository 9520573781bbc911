package automation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// TriggerEvaluator decides which automations must start a run for which lead.
// It consumes membership-change events for enter/exit triggers; the belongs
// trigger is evaluated only once, at activation time.
type TriggerEvaluator struct {
	db      *gorm.DB
	oracle  SegmentOracle
	sm      *ExecutionStateMachine
	metrics *MetricsAggregator
	clock   Clock
	log     *logrus.Entry
}

func NewTriggerEvaluator(db *gorm.DB, oracle SegmentOracle, sm *ExecutionStateMachine, metrics *MetricsAggregator, clock Clock) *TriggerEvaluator {
	return &TriggerEvaluator{
		db:      db,
		oracle:  oracle,
		sm:      sm,
		metrics: metrics,
		clock:   clock,
		log:     logrus.WithField("component", "trigger_evaluator"),
	}
}

// HandleMembershipEvent starts one execution per active automation whose
// trigger matches the event. Event delivery may be at-least-once; duplicates
// collapse against the executions unique constraint and are absorbed.
func (te *TriggerEvaluator) HandleMembershipEvent(ev MembershipEvent) error {
	var trigger string
	switch ev.ChangeType {
	case ChangeEnter:
		trigger = models.TriggerSegmentEnter
	case ChangeExit:
		trigger = models.TriggerSegmentExit
	default:
		return fmt.Errorf("unknown membership change type %q", ev.ChangeType)
	}

	var autos []models.Automation
	err := te.db.
		Where("status = ? AND trigger_type = ? AND trigger_segment_id = ?",
			models.AutomationStatusActive, trigger, ev.SegmentID).
		Find(&autos).Error
	if err != nil {
		return err
	}

	for i := range autos {
		if err := te.startRun(&autos[i], ev.LeadID, ev.EventID); err != nil {
			// A failed run is recorded on its execution; the event itself is
			// consumed either way.
			te.log.WithError(err).WithFields(logrus.Fields{
				"automation_id": autos[i].ID,
				"lead_id":       ev.LeadID,
				"event_id":      ev.EventID,
			}).Error("trigger run failed")
		}
	}
	return nil
}

// EvaluateBelongs enrolls every current member of the trigger segment: the
// catch-up scan run when a segment_belongs automation is activated.
// "Belongs" means "currently a member", so activation is the only moment this
// fires. One fresh event ID covers the whole scan: retries of a single scan
// dedup, while a later re-activation enrolls members again.
func (te *TriggerEvaluator) EvaluateBelongs(auto *models.Automation) error {
	members, err := te.oracle.GetMembers(auto.TriggerSegmentID)
	if err != nil {
		return err
	}

	eventID := "activation:" + uuid.NewString()
	te.log.WithFields(logrus.Fields{
		"automation_id": auto.ID,
		"segment_id":    auto.TriggerSegmentID,
		"members":       len(members),
	}).Info("running belongs catch-up scan")

	for _, leadID := range members {
		if err := te.startRun(auto, leadID, eventID); err != nil {
			te.log.WithError(err).WithFields(logrus.Fields{
				"automation_id": auto.ID,
				"lead_id":       leadID,
			}).Error("catch-up run failed")
		}
	}
	return nil
}

func (te *TriggerEvaluator) startRun(auto *models.Automation, leadID uint, eventID string) error {
	exec := models.Execution{
		AutomationID:   auto.ID,
		LeadID:         leadID,
		TriggerEventID: eventID,
		State:          models.ExecutionStateActive,
		StartedAt:      te.clock.Now(),
	}
	if err := te.db.Create(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Same real-world event delivered twice: a no-op, not a failure.
			dup := &AlreadyExistsError{AutomationID: auto.ID, LeadID: leadID, EventID: eventID}
			te.log.WithField("event_id", eventID).Debug(dup.Error())
			return nil
		}
		return err
	}

	if err := te.metrics.RecordExecutionStarted(auto.ID); err != nil {
		te.log.WithError(err).Error("failed to bump execution count")
	}
	return te.sm.Run(exec.ID)
}
