package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/clusterdesk/clustercall/internal/config"
	"github.com/clusterdesk/clustercall/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"
)

const (
	EventRing       = "ring"
	EventRingCancel = "ring-cancel"
)

// Notifier delivers ring events over web push to everyone subscribed to a
// context. Delivery is best effort: failures are logged, dead subscriptions
// are dropped, nothing here ever fails a call operation.
type Notifier struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	logger *slog.Logger
}

type payload struct {
	Event       string             `json:"event"`
	CallID      string             `json:"call_id"`
	ContextType models.ContextType `json:"context_type"`
	ContextID   string             `json:"context_id"`
	InitiatorID string             `json:"initiator_id,omitempty"`
}

func New(db *gorm.DB, keys *config.VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, keys: keys, logger: logger}
}

// Ring notifies context subscribers that a call entered waiting. The
// initiator is skipped; they are already on the line.
func (n *Notifier) Ring(ctx context.Context, call *models.CallRecord) {
	n.notify(ctx, call, EventRing)
}

// RingCancel dismisses an earlier ring after the record left waiting
// (answered elsewhere, cancelled, or timed out).
func (n *Notifier) RingCancel(ctx context.Context, call *models.CallRecord) {
	n.notify(ctx, call, EventRingCancel)
}

func (n *Notifier) notify(ctx context.Context, call *models.CallRecord, event string) {
	var subs []models.PushSubscription
	err := n.db.WithContext(ctx).
		Where("context_type = ? AND context_id = ? AND user_id != ?",
			call.ContextType, call.ContextID, call.InitiatorID).
		Find(&subs).Error
	if err != nil {
		n.logger.Error("push subscription lookup failed", "call_id", call.ID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		Event:       event,
		CallID:      call.ID,
		ContextType: call.ContextType,
		ContextID:   call.ContextID,
		InitiatorID: call.InitiatorID,
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		n.send(ctx, sub, body)
	}
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, body []byte) {
	resp, err := webpush.SendNotification(body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      n.keys.Subject,
		VAPIDPublicKey:  n.keys.PublicKey,
		VAPIDPrivateKey: n.keys.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		n.logger.Warn("push send failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer resp.Body.Close()

	// Gone/not-found means the browser dropped the subscription.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := n.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			n.logger.Warn("failed to remove dead subscription", "user_id", sub.UserID, "error", err)
		}
		return
	}
	if resp.StatusCode >= 400 {
		n.logger.Warn("push rejected", "user_id", sub.UserID, "status", resp.StatusCode)
	}
}
