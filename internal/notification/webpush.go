package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"guestkey/internal/log"
	"guestkey/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the store the push channel needs.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// pushPayload is what the operator's service worker receives.
type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// WebPushChannel sends messages to every stored operator push subscription.
// The recipient argument is ignored; subscriptions are the recipients.
type WebPushChannel struct {
	store   SubscriptionStore
	options *webpush.Options
	sender  NotificationSender
	logger  zerolog.Logger
}

// NewWebPushChannel creates a push channel. sender may be nil.
func NewWebPushChannel(s SubscriptionStore, options *webpush.Options, sender NotificationSender) *WebPushChannel {
	if sender == nil {
		sender = &WebPushSender{}
	}
	return &WebPushChannel{
		store:   s,
		options: options,
		sender:  sender,
		logger:  log.WithComponent("webpush"),
	}
}

func (c *WebPushChannel) Name() string { return "webpush" }

// IsReady reports whether VAPID keys are configured.
func (c *WebPushChannel) IsReady() bool {
	return c.options != nil && c.options.VAPIDPublicKey != "" && c.options.VAPIDPrivateKey != ""
}

// Send pushes text to all subscriptions and reports whether any accepted it.
func (c *WebPushChannel) Send(ctx context.Context, recipient, text string) bool {
	subscriptions, err := c.store.ListSubscriptions(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to load push subscriptions")
		return false
	}
	if len(subscriptions) == 0 {
		return false
	}

	payload, err := json.Marshal(pushPayload{Title: "GuestKey", Body: text})
	if err != nil {
		return false
	}

	delivered := false
	for _, sub := range subscriptions {
		if c.sendNotification(ctx, sub, payload) {
			delivered = true
		}
	}
	return delivered
}

// sendNotification sends a single web push notification.
func (c *WebPushChannel) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) bool {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := c.sender.Send(payload, wpSub, c.options)
	if err != nil {
		c.logger.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("error sending notification")
		return false
	}
	defer resp.Body.Close()

	// Expired subscriptions are removed.
	if resp.StatusCode == http.StatusGone {
		c.logger.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := c.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			c.logger.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
