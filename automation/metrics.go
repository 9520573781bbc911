package automation

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// MetricsAggregator folds execution and delivery events into per-automation
// counters. It is the only writer of execution_count and success_rate; request
// handlers never mutate them directly, which keeps the counters safe under
// concurrent executions.
type MetricsAggregator struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewMetricsAggregator(db *gorm.DB) *MetricsAggregator {
	return &MetricsAggregator{
		db:  db,
		log: logrus.WithField("component", "metrics"),
	}
}

// RecordExecutionStarted bumps the attempt counter. Counts attempts, not
// completions, so the number matches what the dashboard shows as "executed".
func (m *MetricsAggregator) RecordExecutionStarted(automationID uint) error {
	return m.db.Model(&models.Automation{}).
		Where("id = ?", automationID).
		UpdateColumn("execution_count", gorm.Expr("execution_count + ?", 1)).Error
}

// RecordOutcome persists one step outcome. A duplicate of an already-recorded
// (execution, step, result) triple is absorbed, making aggregation idempotent
// under webhook redelivery and at-least-once step execution.
func (m *MetricsAggregator) RecordOutcome(outcome *models.StepOutcome) error {
	if err := m.db.Create(outcome).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			m.log.WithFields(logrus.Fields{
				"execution_id": outcome.ExecutionID,
				"step_index":   outcome.StepIndex,
				"result":       outcome.Result,
			}).Debug("duplicate step outcome absorbed")
			return nil
		}
		return err
	}
	return nil
}

// RecordExecutionFinished recomputes the automation's success rate after a
// terminal transition. The rate is always derived from the execution rows,
// never incremented in place.
func (m *MetricsAggregator) RecordExecutionFinished(automationID uint) error {
	var total, completed int64
	if err := m.db.Model(&models.Execution{}).
		Where("automation_id = ?", automationID).
		Count(&total).Error; err != nil {
		return err
	}
	if err := m.db.Model(&models.Execution{}).
		Where("automation_id = ? AND state = ?", automationID, models.ExecutionStateCompleted).
		Count(&completed).Error; err != nil {
		return err
	}

	rate := 0.0
	if total > 0 {
		rate = round2(float64(completed) / float64(total) * 100)
	}
	return m.db.Model(&models.Automation{}).
		Where("id = ?", automationID).
		UpdateColumn("success_rate", rate).Error
}

// PreviewMetrics is the on-demand projection the UI renders for one
// automation. Computed fresh on every call, never cached.
type PreviewMetrics struct {
	Total              int64   `json:"total"`
	Active             int64   `json:"active"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	EmailsSent         int64   `json:"emails_sent"`
	EmailsOpened       int64   `json:"emails_opened"`
	EmailsBounced      int64   `json:"emails_bounced"`
	EmailsUnsubscribed int64   `json:"emails_unsubscribed"`
	BounceRate         float64 `json:"bounce_rate"`
	OpenRate           float64 `json:"open_rate"`
}

// Preview assembles execution and delivery counters for one automation.
func (m *MetricsAggregator) Preview(automationID uint) (*PreviewMetrics, error) {
	p := &PreviewMetrics{}

	execCounts := []struct {
		State string
		N     int64
	}{}
	err := m.db.Model(&models.Execution{}).
		Select("state, count(*) as n").
		Where("automation_id = ?", automationID).
		Group("state").
		Scan(&execCounts).Error
	if err != nil {
		return nil, err
	}
	for _, row := range execCounts {
		p.Total += row.N
		switch row.State {
		case models.ExecutionStateActive, models.ExecutionStateWaitingStep:
			p.Active += row.N
		case models.ExecutionStateCompleted:
			p.Completed += row.N
		case models.ExecutionStateFailed:
			p.Failed += row.N
		}
	}

	outcomeCounts := []struct {
		Result string
		N      int64
	}{}
	err = m.db.Model(&models.StepOutcome{}).
		Select("result, count(*) as n").
		Where("automation_id = ?", automationID).
		Group("result").
		Scan(&outcomeCounts).Error
	if err != nil {
		return nil, err
	}
	for _, row := range outcomeCounts {
		switch row.Result {
		case models.OutcomeSent:
			p.EmailsSent = row.N
		case models.OutcomeOpened:
			p.EmailsOpened = row.N
		case models.OutcomeBounced:
			p.EmailsBounced = row.N
		case models.OutcomeUnsubscribed:
			p.EmailsUnsubscribed = row.N
		}
	}

	if p.EmailsSent > 0 {
		p.BounceRate = round2(float64(p.EmailsBounced) / float64(p.EmailsSent) * 100)
		p.OpenRate = round2(float64(p.EmailsOpened) / float64(p.EmailsSent) * 100)
	}
	return p, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
