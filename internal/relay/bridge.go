package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "relay:ring"

// Bridge mirrors ring broadcasts across server instances through Redis
// pub/sub. Presence rooms stay instance-sticky (a room's participants all
// attach to the same instance); only ring notifications need to reach
// clients attached elsewhere.
type Bridge struct {
	rdb        *redis.Client
	instanceID string
	logger     *slog.Logger

	onRemote func(room string, payload []byte)
}

type bridgeMessage struct {
	Instance string `json:"instance"`
	Room     string `json:"room"`
	Payload  []byte `json:"payload"`
}

func NewBridge(rdb *redis.Client, logger *slog.Logger) (*Bridge, error) {
	instanceID, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		rdb:        rdb,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Publish forwards a room payload to every other instance. Failures are
// logged only; the local room already received the event.
func (b *Bridge) Publish(room string, payload []byte) {
	msg, err := json.Marshal(bridgeMessage{
		Instance: b.instanceID,
		Room:     room,
		Payload:  payload,
	})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannel, msg).Err(); err != nil {
		b.logger.Warn("bridge publish failed", "room", room, "error", err)
	}
}

// Run consumes the bridge channel until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Warn("bridge bad message", "error", err)
				continue
			}
			if bm.Instance == b.instanceID {
				continue
			}
			if b.onRemote != nil {
				b.onRemote(bm.Room, bm.Payload)
			}
		}
	}
}
