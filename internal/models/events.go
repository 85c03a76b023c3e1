package models

import "time"

// Event types
const (
	EventTypePrescriptionReviewed = "PRESCRIPTION_REVIEWED"
	EventTypePrescriptionFilled   = "PRESCRIPTION_FILLED"
	EventTypeRefillRequested      = "REFILL_REQUESTED"
	EventTypeRefillDecided        = "REFILL_DECIDED"
	EventTypeRefillProcessed      = "REFILL_PROCESSED"
	EventTypeOrderCreated         = "ORDER_CREATED"
)

// Notification templates, one per event type
const (
	TemplatePrescriptionReviewed = "prescription_reviewed"
	TemplatePrescriptionFilled   = "prescription_filled"
	TemplateRefillRequested      = "refill_requested"
	TemplateRefillDecided        = "refill_decided"
	TemplateRefillProcessed      = "refill_processed"
	TemplateOrderCreated         = "order_created"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PrescriptionReviewedEvent published when a pharmacist approves or rejects a
// pending prescription
type PrescriptionReviewedEvent struct {
	BaseEvent
	PrescriptionID int64  `json:"prescription_id"`
	PatientID      int64  `json:"patient_id"`
	PatientEmail   string `json:"patient_email"`
	Decision       string `json:"decision"`
	Notes          string `json:"notes,omitempty"`
}

// PrescriptionFilledEvent published after a fill operation commits
type PrescriptionFilledEvent struct {
	BaseEvent
	PrescriptionID int64  `json:"prescription_id"`
	PatientID      int64  `json:"patient_id"`
	PatientEmail   string `json:"patient_email"`
	Status         string `json:"status"`
	PharmacistName string `json:"pharmacist_name"`
}

// RefillRequestedEvent published when a patient requests a refill
type RefillRequestedEvent struct {
	BaseEvent
	PrescriptionID  int64  `json:"prescription_id"`
	RefillRequestID int64  `json:"refill_request_id"`
	PatientID       int64  `json:"patient_id"`
	PatientEmail    string `json:"patient_email"`
}

// RefillDecidedEvent published when a pharmacist decides a refill request
type RefillDecidedEvent struct {
	BaseEvent
	PrescriptionID  int64  `json:"prescription_id"`
	RefillRequestID int64  `json:"refill_request_id"`
	PatientID       int64  `json:"patient_id"`
	PatientEmail    string `json:"patient_email"`
	Decision        string `json:"decision"`
	Notes           string `json:"notes,omitempty"`
}

// RefillProcessedEvent published when a refill cycle starts processing
type RefillProcessedEvent struct {
	BaseEvent
	PrescriptionID int64  `json:"prescription_id"`
	PatientID      int64  `json:"patient_id"`
	PatientEmail   string `json:"patient_email"`
	RefillsUsed    int    `json:"refills_used"`
	RefillLimit    int    `json:"refill_limit"`
}

// OrderCreatedEvent published when an order is created from a prescription
type OrderCreatedEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	PrescriptionID int64  `json:"prescription_id"`
	PatientID      int64  `json:"patient_id"`
	PatientEmail   string `json:"patient_email"`
	Total          int64  `json:"total"`
}
