package automation

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// Membership change types carried on the event stream.
const (
	ChangeEnter = "enter"
	ChangeExit  = "exit"
)

// MembershipEvent is one membership change emitted by the segment store. The
// EventID identifies the real-world event and is the dedup key against
// at-least-once delivery.
type MembershipEvent struct {
	SegmentID  uint   `json:"segment_id"`
	LeadID     uint   `json:"lead_id"`
	ChangeType string `json:"change_type"` // enter, exit
	EventID    string `json:"event_id"`
}

// SegmentOracle answers "is lead L in segment S" questions against the lead
// store and exposes the membership-change stream.
type SegmentOracle interface {
	// GetMembers returns the IDs of every lead currently in the segment.
	GetMembers(segmentID uint) ([]uint, error)

	// Subscribe returns a channel of membership-change events. The channel is
	// closed when the context is cancelled. Delivery is at-least-once.
	Subscribe(ctx context.Context) (<-chan MembershipEvent, error)
}

type segmentOracle struct {
	db      *gorm.DB
	rdb     *redis.Client
	channel string
	log     *logrus.Entry
}

// NewSegmentOracle wraps the relational lead store and the Redis channel the
// product side publishes membership changes on.
func NewSegmentOracle(db *gorm.DB, rdb *redis.Client, channel string) SegmentOracle {
	return &segmentOracle{
		db:      db,
		rdb:     rdb,
		channel: channel,
		log:     logrus.WithField("component", "segment_oracle"),
	}
}

func (o *segmentOracle) GetMembers(segmentID uint) ([]uint, error) {
	var leadIDs []uint
	err := o.db.Model(&models.SegmentMembership{}).
		Where("segment_id = ?", segmentID).
		Pluck("lead_id", &leadIDs).Error
	if err != nil {
		return nil, err
	}
	return leadIDs, nil
}

func (o *segmentOracle) Subscribe(ctx context.Context) (<-chan MembershipEvent, error) {
	pubsub := o.rdb.Subscribe(ctx, o.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	events := make(chan MembershipEvent, 64)
	go func() {
		defer pubsub.Close()
		o.pump(ctx, pubsub.Channel(), events)
	}()
	return events, nil
}

// pump decodes raw messages onto the event channel until the context is
// cancelled or the source closes. The send also honors cancellation so a full
// buffer with a departed consumer cannot strand the goroutine.
func (o *segmentOracle) pump(ctx context.Context, msgs <-chan *redis.Message, events chan<- MembershipEvent) {
	defer close(events)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev MembershipEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				o.log.WithError(err).Warn("dropping malformed membership event")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// PublishMembershipChange emits a membership-change event on the shared
// channel. Called by the segment CRUD surface when a lead enters or leaves a
// segment.
func PublishMembershipChange(ctx context.Context, rdb *redis.Client, channel string, ev MembershipEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, payload).Err()
}
