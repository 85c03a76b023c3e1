package worker

import (
	"context"
	"log"

	"pharmacy-service/internal/broker"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/notify"
	"pharmacy-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeliveryLog records notification outcomes and keeps the worker idempotent
// across redeliveries.
type DeliveryLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	CreateNotificationLog(ctx context.Context, entry *models.NotificationLog) error
}

// NotificationWorker consumes lifecycle events and delivers notifications.
// Delivery failure is terminal for the message: the outcome is logged as
// failed and the event is still marked processed, because a notification
// must never retro-fail the state transition that produced it.
type NotificationWorker struct {
	consumer *broker.Consumer
	sender   notify.Sender
	store    DeliveryLog
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, sender notify.Sender, store DeliveryLog) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		sender:   sender,
		store:    store,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	notification, err := broker.DecodeNotification(msg)
	if err != nil {
		w.logger.Error("Failed to decode notification event", zap.Error(err))
		// Undecodable messages are dropped, not retried.
		return nil
	}
	if notification == nil {
		return nil
	}

	processed, err := w.store.IsEventProcessed(ctx, notification.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", notification.EventID))
		return nil
	}

	w.deliver(ctx, notification)

	if err := w.store.MarkEventProcessed(ctx, notification.EventID, notification.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (w *NotificationWorker) deliver(ctx context.Context, n *broker.Notification) {
	entry := &models.NotificationLog{
		EventID:   n.EventID,
		Template:  n.Template,
		Recipient: n.Recipient,
		Status:    models.NotificationStatusSent,
	}

	subject, body, err := notify.Render(n.Template, n.Payload)
	if err == nil && n.Recipient == "" {
		err = errNoRecipient
	}
	if err == nil {
		err = w.sender.Send(ctx, n.Recipient, subject, body)
	}

	if err != nil {
		entry.Status = models.NotificationStatusFailed
		entry.Reason = err.Error()
		util.NotificationsFailedTotal.WithLabelValues(n.Template).Inc()
		w.logger.Error("Notification delivery failed",
			zap.String("event_id", n.EventID),
			zap.String("template", n.Template),
			zap.Error(err))
	} else {
		util.NotificationsSentTotal.Inc()
		w.logger.Info("Notification delivered",
			zap.String("event_id", n.EventID),
			zap.String("template", n.Template),
			zap.String("recipient", n.Recipient))
	}

	if logErr := w.store.CreateNotificationLog(ctx, entry); logErr != nil {
		w.logger.Error("Failed to record notification outcome", zap.Error(logErr))
	}
}

var errNoRecipient = notificationError("event carries no recipient address")

type notificationError string

func (e notificationError) Error() string { return string(e) }
