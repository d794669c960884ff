package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	cbackoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"focus-room-backend/internal/backoff"
	"focus-room-backend/internal/feed"
	"focus-room-backend/internal/metrics"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/wire"
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

// Source hands out change feed subscriptions.
type Source interface {
	Subscribe() (*feed.Subscription, error)
}

// WorkerPool relays room notifications to browser push subscriptions.
type WorkerPool struct {
	size    int
	jobs    chan model.Notification
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.Notification, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	zap.S().Debugf("Push worker %d started", id)
	for {
		select {
		case n := <-wp.jobs:
			wp.sendToSubscribers(ctx, n)
		case <-ctx.Done():
			zap.S().Debugf("Push worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a notification for delivery. It blocks while all workers
// are busy.
func (wp *WorkerPool) Dispatch(ctx context.Context, n model.Notification) {
	select {
	case wp.jobs <- n:
	case <-ctx.Done():
	}
}

// Relay feeds every notification published on the change feed into the pool
// until ctx ends or the feed is closed. A failed subscription is replaced;
// notifications published in between are not relayed.
func (wp *WorkerPool) Relay(ctx context.Context, source Source) {
	policy := backoff.NewExponential(time.Second, 30*time.Second, 0.2, backoff.Upward)

	for ctx.Err() == nil {
		var sub *feed.Subscription
		err := cbackoff.RetryNotify(func() error {
			s, err := source.Subscribe()
			if errors.Is(err, feed.ErrFeedClosed) {
				return cbackoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			sub = s
			return nil
		}, cbackoff.WithContext(policy, ctx), func(err error, next time.Duration) {
			zap.S().Warnf("Push relay could not subscribe, retrying in %s: %v", next, err)
		})
		if err != nil {
			zap.S().Infof("Push relay stopped: %v", err)
			return
		}

		err = wp.drain(ctx, sub)
		if errors.Is(err, feed.ErrFeedClosed) || ctx.Err() != nil {
			zap.S().Info("Push relay stopped.")
			return
		}
		zap.S().Warnf("Push relay subscription ended: %v", err)
	}
}

func (wp *WorkerPool) drain(ctx context.Context, sub *feed.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if ev.Kind == feed.NotificationCreated && ev.Notification != nil {
				wp.Dispatch(ctx, *ev.Notification)
			}
		}
	}
}

// sendToSubscribers delivers n to every subscription that wants its severity.
func (wp *WorkerPool) sendToSubscribers(ctx context.Context, n model.Notification) {
	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Find(&subscriptions).Error; err != nil {
		zap.S().Errorf("Error fetching push subscriptions: %v", err)
		return
	}

	payload, err := json.Marshal(wire.MessageFrom(n))
	if err != nil {
		zap.S().Errorf("Error encoding notification %s: %v", n.ID, err)
		return
	}

	for _, sub := range subscriptions {
		if !sub.Wants(n.Severity) {
			continue
		}
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.PushNotifications.WithLabelValues("failed").Inc()
		zap.S().Warnf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		metrics.PushNotifications.WithLabelValues("expired").Inc()
		zap.S().Infof("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			zap.S().Warnf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
		return
	}
	metrics.PushNotifications.WithLabelValues("sent").Inc()
}
