package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"mwd-monitor-backend/internal/decoder"
	"mwd-monitor-backend/internal/model"
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

// Subscriptions is the part of the store the pool reads and prunes.
type Subscriptions interface {
	ListSubscriptions(ctx context.Context, pumpOn bool) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// WorkerPool sends pump edge notifications on a fixed set of goroutines.
type WorkerPool struct {
	size    int
	jobs    chan decoder.Edge
	subs    Subscriptions
	webpush *webpush.Options
	sender  NotificationSender
	title   func() string
}

// NewWorkerPool creates a new worker pool. title labels every message.
func NewWorkerPool(size int, subs Subscriptions, webpushOptions *webpush.Options, title func() string) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if title == nil {
		title = func() string { return "" }
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan decoder.Edge, size*4),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		title:   title,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case edge := <-wp.jobs:
			wp.sendNotificationsForEdge(ctx, edge)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// NotifyPumpEdge queues an edge without blocking the caller. Edges arriving
// while the queue is full are dropped.
func (wp *WorkerPool) NotifyPumpEdge(e decoder.Edge) {
	select {
	case wp.jobs <- e:
	default:
		log.Printf("Notification queue full; dropping pump edge (on=%t, reset_seq=%d)", e.PumpOn, e.ResetSeq)
	}
}

// Message renders the notification text for an edge.
func Message(title string, e decoder.Edge) string {
	var msg string
	if e.PumpOn {
		msg = fmt.Sprintf("Pump on (cycle %d)", e.ResetSeq)
	} else {
		msg = "Pump off"
	}
	if title != "" {
		msg = title + ": " + msg
	}
	return msg
}

func (wp *WorkerPool) sendNotificationsForEdge(ctx context.Context, e decoder.Edge) {
	subscriptions, err := wp.subs.ListSubscriptions(ctx, e.PumpOn)
	if err != nil {
		log.Printf("Error fetching subscriptions for pump edge: %v", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	log.Printf("Sending %d pump edge notifications", len(subscriptions))
	payload := []byte(Message(wp.title(), e))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

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
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
