package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"pharmacy-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing notification events. Implements the
// lifecycle engine's Notifier.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func prescriptionKey(id int64) string {
	return fmt.Sprintf("prescription-%d", id)
}

// PublishPrescriptionReviewed publishes PrescriptionReviewed event
func (ep *EventPublisher) PublishPrescriptionReviewed(ctx context.Context, event *models.PrescriptionReviewedEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// PublishPrescriptionFilled publishes PrescriptionFilled event
func (ep *EventPublisher) PublishPrescriptionFilled(ctx context.Context, event *models.PrescriptionFilledEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// PublishRefillRequested publishes RefillRequested event
func (ep *EventPublisher) PublishRefillRequested(ctx context.Context, event *models.RefillRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// PublishRefillDecided publishes RefillDecided event
func (ep *EventPublisher) PublishRefillDecided(ctx context.Context, event *models.RefillDecidedEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// PublishRefillProcessed publishes RefillProcessed event
func (ep *EventPublisher) PublishRefillProcessed(ctx context.Context, event *models.RefillProcessedEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, prescriptionKey(event.PrescriptionID), event)
}

// Notification is the worker-side view of any notification event: which
// template to render, who receives it, and the raw payload for rendering.
type Notification struct {
	EventID   string
	EventType string
	Template  string
	Recipient string
	Payload   json.RawMessage
}

// DecodeNotification maps a raw event message to a Notification, or returns
// (nil, nil) for event types that carry no notification.
func DecodeNotification(msg kafka.Message) (*Notification, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	var template string
	var envelope struct {
		PatientEmail string `json:"patient_email"`
	}
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	switch base.EventType {
	case models.EventTypePrescriptionReviewed:
		template = models.TemplatePrescriptionReviewed
	case models.EventTypePrescriptionFilled:
		template = models.TemplatePrescriptionFilled
	case models.EventTypeRefillRequested:
		template = models.TemplateRefillRequested
	case models.EventTypeRefillDecided:
		template = models.TemplateRefillDecided
	case models.EventTypeRefillProcessed:
		template = models.TemplateRefillProcessed
	case models.EventTypeOrderCreated:
		template = models.TemplateOrderCreated
	default:
		log.Printf("Unhandled event type: %s", base.EventType)
		return nil, nil
	}

	return &Notification{
		EventID:   base.EventID,
		EventType: base.EventType,
		Template:  template,
		Recipient: envelope.PatientEmail,
		Payload:   json.RawMessage(msg.Value),
	}, nil
}
