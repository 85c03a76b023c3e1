package pharmacy

import (
	"context"
	"time"

	"pharmacy-service/internal/models"
)

// ItemFill is one (item, quantity) pair in a fill request.
type ItemFill struct {
	ItemID         int64 `json:"item_id"`
	QuantityFilled int   `json:"quantity_filled"`
}

// FillItemUpdate carries the computed post-fill quantities for one item.
// ExpectedQuantity is the outstanding quantity read before computing; the
// store must refuse the write if the row no longer matches it.
type FillItemUpdate struct {
	ItemID           int64
	ExpectedQuantity int
	NewQuantity      int
	QuantityFilled   int
}

// FillUpdate is the atomic unit of a fill: all item rows plus the
// prescription status must be applied together or not at all. The store
// derives the resulting status from every item row inside the same
// transaction, so a concurrent fill of other items can never leave the
// status computed from a stale view.
type FillUpdate struct {
	PrescriptionID int64
	Items          []FillItemUpdate
	FilledAt       time.Time
	PharmacistName string
}

// RefillUpdate starts a new refill cycle. The store increments refill_count
// only while it is below refill_limit and reports whether the increment
// applied.
type RefillUpdate struct {
	PrescriptionID  int64
	RefillRequestID int64
	LastRefilledAt  time.Time
	ItemQuantities  map[int64]int
}

// Store is the persistence surface the lifecycle engine operates against.
// Reads scoped by an owner id return ErrNotFound on ownership mismatch.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	CreatePrescription(ctx context.Context, p *models.Prescription) error
	CreatePrescriptionItem(ctx context.Context, item *models.PrescriptionItem) error
	GetPrescriptionByID(ctx context.Context, id int64) (*models.Prescription, error)
	GetPrescriptionForPatient(ctx context.Context, id, patientID int64) (*models.Prescription, error)
	GetPrescriptionForDoctor(ctx context.Context, id, doctorID int64) (*models.Prescription, error)
	GetItemsByPrescriptionID(ctx context.Context, prescriptionID int64) ([]models.PrescriptionItem, error)
	ListPrescriptionsByPatient(ctx context.Context, patientID int64) ([]models.Prescription, error)
	ListPrescriptionsByStatus(ctx context.Context, status string) ([]models.Prescription, error)
	UpdatePrescriptionReview(ctx context.Context, id int64, status, notes string) error
	UpdatePrescriptionStatus(ctx context.Context, id int64, status string) error
	SetPrescriptionRefillStatus(ctx context.Context, id int64, refillStatus string) error
	ApplyFill(ctx context.Context, update *FillUpdate) (string, error)

	// OpenRefillRequest atomically creates the request and moves the
	// prescription to refill_requested, refusing with ErrConflict while an
	// earlier request is still pending or approved.
	OpenRefillRequest(ctx context.Context, rr *models.RefillRequest) error
	GetRefillRequestByID(ctx context.Context, id int64) (*models.RefillRequest, error)
	DecideRefillRequest(ctx context.Context, id int64, status string, approverID int64, notes string, decidedAt time.Time) error
	LatestApprovedRefillRequest(ctx context.Context, prescriptionID int64) (*models.RefillRequest, error)
	ApplyRefill(ctx context.Context, update *RefillUpdate) (bool, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	DeleteOrder(ctx context.Context, orderID int64) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)

	IsDoctorLinkedToPatient(ctx context.Context, doctorID, patientID int64) (bool, error)
}

// Notifier publishes post-commit notification events. Publish failures must
// never fail the state transition that triggered them.
type Notifier interface {
	PublishPrescriptionReviewed(ctx context.Context, event *models.PrescriptionReviewedEvent) error
	PublishPrescriptionFilled(ctx context.Context, event *models.PrescriptionFilledEvent) error
	PublishRefillRequested(ctx context.Context, event *models.RefillRequestedEvent) error
	PublishRefillDecided(ctx context.Context, event *models.RefillDecidedEvent) error
	PublishRefillProcessed(ctx context.Context, event *models.RefillProcessedEvent) error
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
}

// ShippingLookup resolves a shipping amount for a method.
type ShippingLookup interface {
	Amount(ctx context.Context, method string) (int64, error)
}
