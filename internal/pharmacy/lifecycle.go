package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"go.uber.org/zap"
)

// Statuses a fill operation may start from.
func fillable(status string) bool {
	switch status {
	case models.PrescriptionStatusApproved,
		models.PrescriptionStatusProcessing,
		models.PrescriptionStatusPartiallyFilled:
		return true
	}
	return false
}

// Fill dispenses quantities against prescription items. The item updates and
// the resulting status change are applied atomically; a concurrent writer
// invalidating the quantities this call read yields ErrConflict with nothing
// applied.
func (e *Engine) Fill(ctx context.Context, prescriptionID int64, fills []ItemFill, actor models.Principal) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Fill")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	if len(fills) == 0 {
		return nil, validationf("fill requires at least one item")
	}

	p, err := e.store.GetPrescriptionByID(ctx, prescriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !fillable(p.Status) {
		return nil, validationf("prescription cannot be filled in status %q", p.Status)
	}

	items, err := e.store.GetItemsByPrescriptionID(ctx, p.ID)
	if err != nil {
		return nil, internalf("failed to load prescription items: %v", err)
	}
	byID := make(map[int64]*models.PrescriptionItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	updates := make([]FillItemUpdate, 0, len(fills))
	seen := make(map[int64]bool, len(fills))
	for _, fill := range fills {
		item, ok := byID[fill.ItemID]
		if !ok {
			return nil, fmt.Errorf("%w: item %d does not belong to prescription %d", ErrNotFound, fill.ItemID, p.ID)
		}
		if seen[fill.ItemID] {
			return nil, validationf("item %d appears more than once", fill.ItemID)
		}
		seen[fill.ItemID] = true

		if fill.QuantityFilled < 0 {
			return nil, validationf("quantity filled for item %d cannot be negative", fill.ItemID)
		}
		if fill.QuantityFilled > item.Quantity {
			return nil, validationf("quantity filled %d exceeds outstanding %d for item %d",
				fill.QuantityFilled, item.Quantity, fill.ItemID)
		}

		updates = append(updates, FillItemUpdate{
			ItemID:           item.ID,
			ExpectedQuantity: item.Quantity,
			NewQuantity:      item.Quantity - fill.QuantityFilled,
			QuantityFilled:   fill.QuantityFilled,
		})
	}

	pharmacist, err := e.store.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, internalf("failed to resolve pharmacist profile: %v", err)
	}

	now := time.Now()
	update := &FillUpdate{
		PrescriptionID: p.ID,
		Items:          updates,
		FilledAt:       now,
		PharmacistName: pharmacist.Name,
	}
	// The store derives the resulting status from every item row in the same
	// transaction, so fills of disjoint items serialize correctly.
	newStatus, err := e.store.ApplyFill(ctx, update)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			util.FillConflictsTotal.Inc()
			return nil, fmt.Errorf("%w: prescription %d changed during fill, retry with fresh quantities", ErrConflict, p.ID)
		}
		return nil, storeErr(err)
	}

	p.Status = newStatus
	p.FilledAt = &now
	p.PharmacistName = pharmacist.Name

	util.PrescriptionsFilledTotal.WithLabelValues(newStatus).Inc()
	e.logger.Info("Prescription filled",
		zap.Int64("prescription_id", p.ID),
		zap.String("status", newStatus),
		zap.Int("items", len(updates)))

	e.notifyFilled(ctx, p)
	return p, nil
}

// RequestRefill records a patient's refill ask. Only the owning patient may
// request, only while the prescription is partially filled, and only when no
// earlier request is still open.
func (e *Engine) RequestRefill(ctx context.Context, prescriptionID int64, actor models.Principal) (*models.RefillRequest, error) {
	ctx, span := util.StartSpan(ctx, "Engine.RequestRefill")
	defer span.End()

	if actor.Role != models.RolePatient {
		return nil, ErrForbidden
	}

	// Owner-scoped read: someone else's prescription reads as not found.
	p, err := e.store.GetPrescriptionForPatient(ctx, prescriptionID, actor.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !p.IsRefillable {
		return nil, validationf("prescription is not refillable")
	}
	if p.Status != models.PrescriptionStatusPartiallyFilled {
		return nil, validationf("refill can only be requested while partially filled, status is %q", p.Status)
	}

	rr := &models.RefillRequest{
		PrescriptionID: p.ID,
		PatientID:      actor.UserID,
		Status:         models.RefillRequestStatusPending,
		RequestedAt:    time.Now(),
	}
	// One atomic write: the open-request guard, the insert, and the status
	// change commit together, so concurrent requests cannot both slip past
	// the guard and a failed status update cannot strand a pending row.
	if err := e.store.OpenRefillRequest(ctx, rr); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: a refill request for prescription %d is already in flight", ErrConflict, p.ID)
		}
		return nil, internalf("failed to open refill request: %v", err)
	}

	util.RefillRequestsTotal.Inc()
	e.logger.Info("Refill requested",
		zap.Int64("prescription_id", p.ID),
		zap.Int64("refill_request_id", rr.ID))

	e.notifyRefillRequested(ctx, p, rr)
	return rr, nil
}

// DecideRefillRequest approves or rejects a pending refill request. Approval
// flags the prescription refill_pending; rejection only updates the request.
// The prescription is left for the pharmacist to revert separately.
func (e *Engine) DecideRefillRequest(ctx context.Context, refillRequestID int64, decision, notes string, actor models.Principal) (*models.RefillRequest, error) {
	ctx, span := util.StartSpan(ctx, "Engine.DecideRefillRequest")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	if decision != models.RefillRequestStatusApproved && decision != models.RefillRequestStatusRejected {
		return nil, validationf("decision must be approved or rejected, got %q", decision)
	}

	rr, err := e.store.GetRefillRequestByID(ctx, refillRequestID)
	if err != nil {
		return nil, storeErr(err)
	}
	if rr.Status != models.RefillRequestStatusPending {
		return nil, validationf("refill request already decided: %q", rr.Status)
	}

	now := time.Now()
	if err := e.store.DecideRefillRequest(ctx, rr.ID, decision, actor.UserID, notes, now); err != nil {
		return nil, internalf("failed to decide refill request: %v", err)
	}
	rr.Status = decision
	rr.Notes = notes
	rr.DecidedAt = &now
	approver := actor.UserID
	rr.ApproverID = &approver

	if decision == models.RefillRequestStatusApproved {
		if err := e.store.SetPrescriptionRefillStatus(ctx, rr.PrescriptionID, models.RefillStatusPending); err != nil {
			return nil, internalf("failed to flag prescription refill_pending: %v", err)
		}
	}

	util.RefillDecisionsTotal.WithLabelValues(decision).Inc()
	e.logger.Info("Refill request decided",
		zap.Int64("refill_request_id", rr.ID),
		zap.String("decision", decision))

	e.notifyRefillDecided(ctx, rr, decision, notes)
	return rr, nil
}

// ProcessRefill starts a new refill cycle. This is the only place refill_count
// increments; the store applies the increment under a refill_count <
// refill_limit guard so the limit holds under concurrency.
func (e *Engine) ProcessRefill(ctx context.Context, prescriptionID int64, newItemQuantities map[int64]int, actor models.Principal) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "Engine.ProcessRefill")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	p, err := e.store.GetPrescriptionByID(ctx, prescriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if p.RefillCount >= p.RefillLimit {
		util.RefillsExhaustedTotal.Inc()
		return nil, &RefillsExhaustedError{RefillsUsed: p.RefillCount, RefillLimit: p.RefillLimit}
	}

	rr, err := e.store.LatestApprovedRefillRequest(ctx, p.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, validationf("no approved refill request for prescription %d", p.ID)
		}
		return nil, internalf("failed to load refill request: %v", err)
	}

	if len(newItemQuantities) > 0 {
		items, err := e.store.GetItemsByPrescriptionID(ctx, p.ID)
		if err != nil {
			return nil, internalf("failed to load prescription items: %v", err)
		}
		known := make(map[int64]bool, len(items))
		for _, item := range items {
			known[item.ID] = true
		}
		for itemID, qty := range newItemQuantities {
			if !known[itemID] {
				return nil, fmt.Errorf("%w: item %d does not belong to prescription %d", ErrNotFound, itemID, p.ID)
			}
			if qty <= 0 {
				return nil, validationf("refill quantity for item %d must be positive", itemID)
			}
		}
	}

	now := time.Now()
	applied, err := e.store.ApplyRefill(ctx, &RefillUpdate{
		PrescriptionID:  p.ID,
		RefillRequestID: rr.ID,
		LastRefilledAt:  now,
		ItemQuantities:  newItemQuantities,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if !applied {
		// A concurrent refill consumed the last slot between our read and the
		// guarded write.
		util.RefillsExhaustedTotal.Inc()
		fresh, err := e.store.GetPrescriptionByID(ctx, p.ID)
		if err != nil {
			return nil, storeErr(err)
		}
		return nil, &RefillsExhaustedError{RefillsUsed: fresh.RefillCount, RefillLimit: fresh.RefillLimit}
	}

	p.RefillCount++
	p.LastRefilledAt = &now
	p.Status = models.PrescriptionStatusProcessing
	p.RefillStatus = models.RefillStatusActive

	util.RefillsProcessedTotal.Inc()
	e.logger.Info("Refill processed",
		zap.Int64("prescription_id", p.ID),
		zap.Int("refills_used", p.RefillCount),
		zap.Int("refill_limit", p.RefillLimit))

	e.notifyRefillProcessed(ctx, p)
	return p, nil
}

func (e *Engine) notifyFilled(ctx context.Context, p *models.Prescription) {
	email, err := e.patientEmail(ctx, p.PatientID)
	if err != nil {
		e.logger.Error("Skipping fill notification", zap.Error(err))
		return
	}
	event := &models.PrescriptionFilledEvent{
		BaseEvent:      newBaseEvent(models.EventTypePrescriptionFilled),
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		PatientEmail:   email,
		Status:         p.Status,
		PharmacistName: p.PharmacistName,
	}
	if err := e.notifier.PublishPrescriptionFilled(ctx, event); err != nil {
		e.logger.Error("Failed to publish PrescriptionFilled event", zap.Error(err))
	}
}

func (e *Engine) notifyRefillRequested(ctx context.Context, p *models.Prescription, rr *models.RefillRequest) {
	email, err := e.patientEmail(ctx, p.PatientID)
	if err != nil {
		e.logger.Error("Skipping refill request notification", zap.Error(err))
		return
	}
	event := &models.RefillRequestedEvent{
		BaseEvent:       newBaseEvent(models.EventTypeRefillRequested),
		PrescriptionID:  p.ID,
		RefillRequestID: rr.ID,
		PatientID:       p.PatientID,
		PatientEmail:    email,
	}
	if err := e.notifier.PublishRefillRequested(ctx, event); err != nil {
		e.logger.Error("Failed to publish RefillRequested event", zap.Error(err))
	}
}

func (e *Engine) notifyRefillDecided(ctx context.Context, rr *models.RefillRequest, decision, notes string) {
	email, err := e.patientEmail(ctx, rr.PatientID)
	if err != nil {
		e.logger.Error("Skipping refill decision notification", zap.Error(err))
		return
	}
	event := &models.RefillDecidedEvent{
		BaseEvent:       newBaseEvent(models.EventTypeRefillDecided),
		PrescriptionID:  rr.PrescriptionID,
		RefillRequestID: rr.ID,
		PatientID:       rr.PatientID,
		PatientEmail:    email,
		Decision:        decision,
		Notes:           notes,
	}
	if err := e.notifier.PublishRefillDecided(ctx, event); err != nil {
		e.logger.Error("Failed to publish RefillDecided event", zap.Error(err))
	}
}

func (e *Engine) notifyRefillProcessed(ctx context.Context, p *models.Prescription) {
	email, err := e.patientEmail(ctx, p.PatientID)
	if err != nil {
		e.logger.Error("Skipping refill processed notification", zap.Error(err))
		return
	}
	event := &models.RefillProcessedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeRefillProcessed),
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		PatientEmail:   email,
		RefillsUsed:    p.RefillCount,
		RefillLimit:    p.RefillLimit,
	}
	if err := e.notifier.PublishRefillProcessed(ctx, event); err != nil {
		e.logger.Error("Failed to publish RefillProcessed event", zap.Error(err))
	}
}
