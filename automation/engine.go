package automation

import (
	"time"

	"gorm.io/gorm"
)

// EngineConfig tunes the scheduler loop.
type EngineConfig struct {
	// Tick is the scheduler poll interval.
	Tick time.Duration
	// MaxResumeAttempts caps transient resume retries before an execution is
	// failed.
	MaxResumeAttempts int
}

// Engine is the wired automation subsystem. All components share the one
// database; no execution is pinned to a process, so any number of engine
// instances can run against the same storage.
type Engine struct {
	Registry     *AutomationRegistry
	Evaluator    *TriggerEvaluator
	StateMachine *ExecutionStateMachine
	Scheduler    *DelayScheduler
	Metrics      *MetricsAggregator
	Oracle       SegmentOracle
}

// NewEngine assembles the subsystem over the given storage, segment oracle
// and mail transport.
func NewEngine(db *gorm.DB, oracle SegmentOracle, mailer Mailer, clock Clock, cfg EngineConfig) *Engine {
	metrics := NewMetricsAggregator(db)
	scheduler := NewDelayScheduler(db, clock, cfg.Tick, cfg.MaxResumeAttempts, metrics)
	executor := NewStepExecutor(db, mailer)
	sm := NewExecutionStateMachine(db, scheduler, executor, metrics, clock)
	scheduler.OnFire(sm.Resume)
	evaluator := NewTriggerEvaluator(db, oracle, sm, metrics, clock)
	registry := NewAutomationRegistry(db, evaluator)

	return &Engine{
		Registry:     registry,
		Evaluator:    evaluator,
		StateMachine: sm,
		Scheduler:    scheduler,
		Metrics:      metrics,
		Oracle:       oracle,
	}
}
