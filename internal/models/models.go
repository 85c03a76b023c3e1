package models

import "time"

// Roles
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Prescription sources
const (
	SourcePatient = "patient"
	SourceDoctor  = "doctor"
)

// Prescription statuses
const (
	PrescriptionStatusPending         = "pending"
	PrescriptionStatusApproved        = "approved"
	PrescriptionStatusRejected        = "rejected"
	PrescriptionStatusProcessing      = "processing"
	PrescriptionStatusPartiallyFilled = "partially_filled"
	PrescriptionStatusFilled          = "filled"
	PrescriptionStatusRefillRequested = "refill_requested"
)

// Refill statuses (secondary attribute, tracks whether a refill cycle is in flight)
const (
	RefillStatusActive  = "active"
	RefillStatusPending = "refill_pending"
)

// Refill request statuses
const (
	RefillRequestStatusPending   = "pending"
	RefillRequestStatusApproved  = "approved"
	RefillRequestStatusRejected  = "rejected"
	RefillRequestStatusFulfilled = "fulfilled"
)

// Payment statuses
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

// Notification delivery statuses
const (
	NotificationStatusSent   = "sent"
	NotificationStatusFailed = "failed"
)

// Principal is the resolved authenticated caller.
type Principal struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// User is an identity record. Owned by the auth layer; the lifecycle engine
// only reads it.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Prescription is a single prescription submission. Source distinguishes
// patient uploads from doctor submissions; both share the same lifecycle.
type Prescription struct {
	ID              int64      `db:"id" json:"id"`
	PatientID       int64      `db:"patient_id" json:"patient_id"`
	DoctorID        *int64     `db:"doctor_id" json:"doctor_id,omitempty"`
	Source          string     `db:"source" json:"source"`
	Status          string     `db:"status" json:"status"`
	RefillStatus    string     `db:"refill_status" json:"refill_status"`
	IsRefillable    bool       `db:"is_refillable" json:"is_refillable"`
	RefillLimit     int        `db:"refill_limit" json:"refill_limit"`
	RefillCount     int        `db:"refill_count" json:"refill_count"`
	LastRefilledAt  *time.Time `db:"last_refilled_at" json:"last_refilled_at,omitempty"`
	FileURL         string     `db:"file_url" json:"file_url,omitempty"`
	PharmacistName  string     `db:"pharmacist_name" json:"pharmacist_name,omitempty"`
	PharmacistNotes string     `db:"pharmacist_notes" json:"pharmacist_notes,omitempty"`
	FilledAt        *time.Time `db:"filled_at" json:"filled_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// PrescriptionItem is one medication line. Quantity is the outstanding
// (not yet filled) amount; QuantityFilled is what the last fill dispensed.
type PrescriptionItem struct {
	ID             int64  `db:"id" json:"id"`
	PrescriptionID int64  `db:"prescription_id" json:"prescription_id"`
	MedicationName string `db:"medication_name" json:"medication_name"`
	Dosage         string `db:"dosage" json:"dosage"`
	Quantity       int    `db:"quantity" json:"quantity"`
	QuantityFilled int    `db:"quantity_filled" json:"quantity_filled"`
	Price          int64  `db:"price" json:"price"`
}

// RefillRequest is a patient's ask to refill a prescription.
type RefillRequest struct {
	ID             int64      `db:"id" json:"id"`
	PrescriptionID int64      `db:"prescription_id" json:"prescription_id"`
	PatientID      int64      `db:"patient_id" json:"patient_id"`
	Status         string     `db:"status" json:"status"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
	RequestedAt    time.Time  `db:"requested_at" json:"requested_at"`
	DecidedAt      *time.Time `db:"decided_at" json:"decided_at,omitempty"`
	ApproverID     *int64     `db:"approver_id" json:"approver_id,omitempty"`
}

// Order is the downstream artifact created from a prescription. Items are
// snapshots; they carry no live reference back to the prescription items.
type Order struct {
	ID             int64     `db:"id" json:"id"`
	PrescriptionID int64     `db:"prescription_id" json:"prescription_id"`
	PatientID      int64     `db:"patient_id" json:"patient_id"`
	Subtotal       int64     `db:"subtotal" json:"subtotal"`
	Tax            int64     `db:"tax" json:"tax"`
	Shipping       int64     `db:"shipping" json:"shipping"`
	Total          int64     `db:"total" json:"total"`
	PaymentStatus  string    `db:"payment_status" json:"payment_status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem snapshots a prescription item at order-creation time.
type OrderItem struct {
	ID             int64  `db:"id" json:"id"`
	OrderID        int64  `db:"order_id" json:"order_id"`
	MedicationName string `db:"medication_name" json:"medication_name"`
	Dosage         string `db:"dosage" json:"dosage"`
	Quantity       int    `db:"quantity" json:"quantity"`
	Price          int64  `db:"price" json:"price"`
}

// SessionToken is the fallback server-side session record. The authoritative
// copy lives in the database; Redis only caches it.
type SessionToken struct {
	Token          string    `db:"token" json:"token"`
	UserID         int64     `db:"user_id" json:"user_id"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	LastAccessedAt time.Time `db:"last_accessed_at" json:"last_accessed_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ShippingRate is a flat rate per shipping method.
type ShippingRate struct {
	Method string `db:"method" json:"method"`
	Amount int64  `db:"amount" json:"amount"`
}

// NotificationLog records the outcome of one outbound notification attempt.
type NotificationLog struct {
	ID        int64     `db:"id" json:"id"`
	EventID   string    `db:"event_id" json:"event_id"`
	Template  string    `db:"template" json:"template"`
	Recipient string    `db:"recipient" json:"recipient"`
	Status    string    `db:"status" json:"status"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
