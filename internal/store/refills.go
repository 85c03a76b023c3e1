package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"
)

// OpenRefillRequest creates a refill request and moves the prescription to
// refill_requested in one transaction. The insert itself carries the
// open-request guard, so two concurrent requests cannot both create a row,
// and a failed status update rolls the request back instead of stranding it.
func (s *Store) OpenRefillRequest(ctx context.Context, rr *models.RefillRequest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &rr.ID, `
		INSERT INTO refill_requests (prescription_id, patient_id, status, requested_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM refill_requests
			WHERE prescription_id = $1 AND status IN ($5, $6)
		)
		RETURNING id`,
		rr.PrescriptionID, rr.PatientID, rr.Status, rr.RequestedAt,
		models.RefillRequestStatusPending, models.RefillRequestStatusApproved)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: prescription %d already has an open refill request", pharmacy.ErrConflict, rr.PrescriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to create refill request: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE prescriptions SET status = $1, updated_at = NOW() WHERE id = $2",
		models.PrescriptionStatusRefillRequested, rr.PrescriptionID); err != nil {
		return fmt.Errorf("failed to update prescription status: %w", err)
	}

	return tx.Commit()
}

// GetRefillRequestByID retrieves a refill request by ID
func (s *Store) GetRefillRequestByID(ctx context.Context, id int64) (*models.RefillRequest, error) {
	var rr models.RefillRequest
	err := s.db.GetContext(ctx, &rr, "SELECT * FROM refill_requests WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: refill request %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// DecideRefillRequest stamps a decision onto a refill request
func (s *Store) DecideRefillRequest(ctx context.Context, id int64, status string, approverID int64, notes string, decidedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refill_requests
		SET status = $1, approver_id = $2, notes = $3, decided_at = $4
		WHERE id = $5`,
		status, approverID, notes, decidedAt, id)
	return err
}

// LatestApprovedRefillRequest returns the most recent approved, unfulfilled
// request for a prescription.
func (s *Store) LatestApprovedRefillRequest(ctx context.Context, prescriptionID int64) (*models.RefillRequest, error) {
	var rr models.RefillRequest
	err := s.db.GetContext(ctx, &rr, `
		SELECT * FROM refill_requests
		WHERE prescription_id = $1 AND status = $2
		ORDER BY requested_at DESC LIMIT 1`,
		prescriptionID, models.RefillRequestStatusApproved)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no approved refill request for prescription %d", pharmacy.ErrNotFound, prescriptionID)
	}
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// ApplyRefill starts a refill cycle in one transaction. The refill_count
// increment only applies while refill_count < refill_limit; the returned bool
// reports whether it did. Item resets and the fulfilled stamp ride in the same
// transaction so a lost guard leaves nothing behind.
func (s *Store) ApplyRefill(ctx context.Context, update *pharmacy.RefillUpdate) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE prescriptions
		SET refill_count = refill_count + 1,
		    last_refilled_at = $1,
		    status = $2,
		    refill_status = $3,
		    updated_at = NOW()
		WHERE id = $4 AND refill_count < refill_limit`,
		update.LastRefilledAt,
		models.PrescriptionStatusProcessing,
		models.RefillStatusActive,
		update.PrescriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to increment refill count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	for itemID, qty := range update.ItemQuantities {
		_, err := tx.ExecContext(ctx, `
			UPDATE prescription_items
			SET quantity = $1, quantity_filled = 0
			WHERE id = $2 AND prescription_id = $3`,
			qty, itemID, update.PrescriptionID)
		if err != nil {
			return false, fmt.Errorf("failed to reset item %d: %w", itemID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE refill_requests SET status = $1 WHERE id = $2",
		models.RefillRequestStatusFulfilled, update.RefillRequestID)
	if err != nil {
		return false, fmt.Errorf("failed to mark refill request fulfilled: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
