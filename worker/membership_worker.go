package worker

import (
	"context"
	"log"
	"time"

	"leadloop/automation"
)

// MembershipWorker bridges the segment oracle's event stream to the trigger
// evaluator. It re-subscribes with backoff if the stream drops, so a Redis
// blip does not take trigger processing down with it.
type MembershipWorker struct {
	Oracle    automation.SegmentOracle
	Evaluator *automation.TriggerEvaluator
	Logger    *log.Logger
}

func NewMembershipWorker(oracle automation.SegmentOracle, evaluator *automation.TriggerEvaluator, logger *log.Logger) *MembershipWorker {
	return &MembershipWorker{
		Oracle:    oracle,
		Evaluator: evaluator,
		Logger:    logger,
	}
}

func (mw *MembershipWorker) Start(ctx context.Context) {
	mw.Logger.Println("Membership worker started")

	for {
		if err := mw.consume(ctx); err != nil {
			mw.Logger.Printf("Membership stream error: %v, retrying in 5s", err)
		}

		select {
		case <-ctx.Done():
			mw.Logger.Println("Membership worker shutting down...")
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (mw *MembershipWorker) consume(ctx context.Context) error {
	events, err := mw.Oracle.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				// Channel closed by the oracle; caller decides whether to
				// re-subscribe.
				return nil
			}
			if err := mw.Evaluator.HandleMembershipEvent(ev); err != nil {
				mw.Logger.Printf("Error handling membership event %s: %v", ev.EventID, err)
			}
		}
	}
}
