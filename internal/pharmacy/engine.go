package pharmacy

import (
	"context"
	"fmt"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine enforces prescription/refill state transitions and invariants.
type Engine struct {
	store    Store
	rates    ShippingLookup
	notifier Notifier
	pricing  PricingConfig
	logger   *zap.Logger
}

// NewEngine creates a lifecycle engine.
func NewEngine(store Store, rates ShippingLookup, notifier Notifier, pricing PricingConfig) *Engine {
	return &Engine{
		store:    store,
		rates:    rates,
		notifier: notifier,
		pricing:  pricing,
		logger:   util.GetLogger(),
	}
}

// NewItem is one medication line in a submission.
type NewItem struct {
	MedicationName string `json:"medication_name" binding:"required"`
	Dosage         string `json:"dosage"`
	Quantity       int    `json:"quantity" binding:"required,min=1"`
	Price          int64  `json:"price"`
}

// SubmitInput carries a new prescription submission.
type SubmitInput struct {
	PatientID    int64     `json:"patient_id"`
	FileURL      string    `json:"file_url"`
	IsRefillable bool      `json:"is_refillable"`
	RefillLimit  int       `json:"refill_limit"`
	Items        []NewItem `json:"items"`
}

// SubmitPatientPrescription creates a pending patient-sourced prescription.
// A patient upload may carry only the scanned file; items can be entered by
// the pharmacist at review time.
func (e *Engine) SubmitPatientPrescription(ctx context.Context, actor models.Principal, in *SubmitInput) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "Engine.SubmitPatientPrescription")
	defer span.End()

	if actor.Role != models.RolePatient {
		return nil, ErrForbidden
	}
	if in.FileURL == "" && len(in.Items) == 0 {
		return nil, validationf("a prescription needs a file or at least one medication")
	}
	return e.submit(ctx, &models.Prescription{
		PatientID:    actor.UserID,
		Source:       models.SourcePatient,
		FileURL:      in.FileURL,
		IsRefillable: in.IsRefillable,
		RefillLimit:  in.RefillLimit,
	}, in.Items)
}

// SubmitDoctorPrescription creates a pending doctor-sourced prescription for
// one of the doctor's linked patients.
func (e *Engine) SubmitDoctorPrescription(ctx context.Context, actor models.Principal, in *SubmitInput) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "Engine.SubmitDoctorPrescription")
	defer span.End()

	if actor.Role != models.RoleDoctor {
		return nil, ErrForbidden
	}
	if len(in.Items) == 0 {
		return nil, validationf("a doctor prescription needs at least one medication")
	}

	linked, err := e.store.IsDoctorLinkedToPatient(ctx, actor.UserID, in.PatientID)
	if err != nil {
		return nil, internalf("failed to check doctor-patient link: %v", err)
	}
	if !linked {
		return nil, ErrForbidden
	}

	doctorID := actor.UserID
	return e.submit(ctx, &models.Prescription{
		PatientID:    in.PatientID,
		DoctorID:     &doctorID,
		Source:       models.SourceDoctor,
		FileURL:      in.FileURL,
		IsRefillable: in.IsRefillable,
		RefillLimit:  in.RefillLimit,
	}, in.Items)
}

func (e *Engine) submit(ctx context.Context, p *models.Prescription, items []NewItem) (*models.Prescription, error) {
	if p.RefillLimit < 0 {
		return nil, validationf("refill limit cannot be negative")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, validationf("quantity for %q must be positive", item.MedicationName)
		}
		if item.Price < 0 {
			return nil, validationf("price for %q cannot be negative", item.MedicationName)
		}
	}

	p.Status = models.PrescriptionStatusPending
	p.RefillStatus = models.RefillStatusActive

	if err := e.store.CreatePrescription(ctx, p); err != nil {
		return nil, internalf("failed to create prescription: %v", err)
	}
	for _, item := range items {
		if err := e.store.CreatePrescriptionItem(ctx, &models.PrescriptionItem{
			PrescriptionID: p.ID,
			MedicationName: item.MedicationName,
			Dosage:         item.Dosage,
			Quantity:       item.Quantity,
			Price:          item.Price,
		}); err != nil {
			return nil, internalf("failed to create prescription item: %v", err)
		}
	}

	util.PrescriptionsSubmittedTotal.WithLabelValues(p.Source).Inc()
	e.logger.Info("Prescription submitted",
		zap.Int64("prescription_id", p.ID),
		zap.String("source", p.Source))
	return p, nil
}

// Review decides a pending prescription: approved or rejected.
func (e *Engine) Review(ctx context.Context, prescriptionID int64, decision, notes string, actor models.Principal) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Review")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	if decision != models.PrescriptionStatusApproved && decision != models.PrescriptionStatusRejected {
		return nil, validationf("decision must be approved or rejected, got %q", decision)
	}

	p, err := e.store.GetPrescriptionByID(ctx, prescriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if p.Status != models.PrescriptionStatusPending {
		return nil, validationf("prescription cannot be reviewed in status %q", p.Status)
	}

	if err := e.store.UpdatePrescriptionReview(ctx, p.ID, decision, notes); err != nil {
		return nil, internalf("failed to update prescription review: %v", err)
	}
	p.Status = decision
	p.PharmacistNotes = notes

	util.PrescriptionsReviewedTotal.WithLabelValues(decision).Inc()
	e.logger.Info("Prescription reviewed",
		zap.Int64("prescription_id", p.ID),
		zap.String("decision", decision))

	e.notifyReviewed(ctx, p, decision, notes)
	return p, nil
}

// GetPrescription returns a prescription and its items, scoped to what the
// actor may see. Ownership mismatches read as not found so callers cannot
// probe for other users' records.
func (e *Engine) GetPrescription(ctx context.Context, prescriptionID int64, actor models.Principal) (*models.Prescription, []models.PrescriptionItem, error) {
	var (
		p   *models.Prescription
		err error
	)
	switch actor.Role {
	case models.RoleAdmin:
		p, err = e.store.GetPrescriptionByID(ctx, prescriptionID)
	case models.RoleDoctor:
		p, err = e.store.GetPrescriptionForDoctor(ctx, prescriptionID, actor.UserID)
	case models.RolePatient:
		p, err = e.store.GetPrescriptionForPatient(ctx, prescriptionID, actor.UserID)
	default:
		return nil, nil, ErrForbidden
	}
	if err != nil {
		return nil, nil, storeErr(err)
	}

	items, err := e.store.GetItemsByPrescriptionID(ctx, p.ID)
	if err != nil {
		return nil, nil, internalf("failed to load prescription items: %v", err)
	}
	return p, items, nil
}

// ListPrescriptions lists prescriptions visible to the actor. Admins may pass
// a status to page the review queue; patients always see their own records.
func (e *Engine) ListPrescriptions(ctx context.Context, status string, actor models.Principal) ([]models.Prescription, error) {
	switch actor.Role {
	case models.RoleAdmin:
		if status == "" {
			status = models.PrescriptionStatusPending
		}
		return e.store.ListPrescriptionsByStatus(ctx, status)
	case models.RolePatient:
		return e.store.ListPrescriptionsByPatient(ctx, actor.UserID)
	default:
		return nil, ErrForbidden
	}
}

// GetOrder returns an order with its snapshot items, owner-scoped.
func (e *Engine) GetOrder(ctx context.Context, orderID int64, actor models.Principal) (*models.Order, []models.OrderItem, error) {
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	if actor.Role != models.RoleAdmin && order.PatientID != actor.UserID {
		return nil, nil, ErrNotFound
	}
	items, err := e.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, nil, internalf("failed to load order items: %v", err)
	}
	return order, items, nil
}

func (e *Engine) patientEmail(ctx context.Context, patientID int64) (string, error) {
	user, err := e.store.GetUserByID(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve patient email: %w", err)
	}
	return user.Email, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (e *Engine) notifyReviewed(ctx context.Context, p *models.Prescription, decision, notes string) {
	email, err := e.patientEmail(ctx, p.PatientID)
	if err != nil {
		e.logger.Error("Skipping review notification", zap.Error(err))
		return
	}
	event := &models.PrescriptionReviewedEvent{
		BaseEvent:      newBaseEvent(models.EventTypePrescriptionReviewed),
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		PatientEmail:   email,
		Decision:       decision,
		Notes:          notes,
	}
	if err := e.notifier.PublishPrescriptionReviewed(ctx, event); err != nil {
		e.logger.Error("Failed to publish PrescriptionReviewed event", zap.Error(err))
	}
}
