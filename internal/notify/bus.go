package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/obslog"
)

// Bus is a thin publish/subscribe layer over redis channels. It is a latency
// shortcut, never a source of truth: publish failures are logged and
// swallowed, and a disconnected subscriber simply misses messages.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

func channelFor(playerID string) string { return "duel:events:" + strings.TrimSpace(playerID) }

const firehoseChannel = "duel:events"

// Publish fans the event out to each recipient's channel and the firehose.
// Errors are logged, not returned; the canonical state already changed in
// the store before anyone calls Publish.
func (b *Bus) Publish(ctx context.Context, ev Event, recipients ...string) {
	raw, err := json.Marshal(ev)
	if err != nil {
		obslog.L().Error("notify_marshal_error", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	for _, r := range recipients {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if err := b.rdb.Publish(ctx, channelFor(r), raw).Err(); err != nil {
			obslog.L().Warn("notify_publish_error",
				zap.String("type", string(ev.Type)),
				zap.String("recipient", r),
				zap.Error(err),
			)
		}
	}
	if err := b.rdb.Publish(ctx, firehoseChannel, raw).Err(); err != nil {
		obslog.L().Warn("notify_publish_error", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Subscribe returns a typed stream of events addressed to playerID (the
// firehose when playerID is empty) and a stop function. The channel closes
// after stop or when ctx ends. Malformed payloads are dropped.
func (b *Bus) Subscribe(ctx context.Context, playerID string) (<-chan Event, func()) {
	ch := firehoseChannel
	if strings.TrimSpace(playerID) != "" {
		ch = channelFor(playerID)
	}
	pubsub := b.rdb.Subscribe(ctx, ch)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return // closed or ctx done
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obslog.L().Warn("notify_decode_error", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
				// slow consumer; dropping is within the contract
				obslog.L().Debug("notify_drop_slow_consumer", zap.String("type", string(ev.Type)))
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }
}
