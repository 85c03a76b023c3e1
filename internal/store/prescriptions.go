package store

import (
	"context"
	"database/sql"
	"fmt"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"
)

// CreatePrescription creates a new prescription
func (s *Store) CreatePrescription(ctx context.Context, p *models.Prescription) error {
	query := `
		INSERT INTO prescriptions
			(patient_id, doctor_id, source, status, refill_status, is_refillable, refill_limit, file_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, refill_count, created_at, updated_at`

	return s.db.GetContext(ctx, p, query,
		p.PatientID, p.DoctorID, p.Source, p.Status, p.RefillStatus,
		p.IsRefillable, p.RefillLimit, p.FileURL)
}

// CreatePrescriptionItem creates a new medication line
func (s *Store) CreatePrescriptionItem(ctx context.Context, item *models.PrescriptionItem) error {
	query := `
		INSERT INTO prescription_items
			(prescription_id, medication_name, dosage, quantity, quantity_filled, price)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.PrescriptionID, item.MedicationName, item.Dosage, item.Quantity, item.Price)
}

// GetPrescriptionByID retrieves a prescription by ID (service-level, unscoped)
func (s *Store) GetPrescriptionByID(ctx context.Context, id int64) (*models.Prescription, error) {
	var p models.Prescription
	err := s.db.GetContext(ctx, &p, "SELECT * FROM prescriptions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: prescription %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrescriptionForPatient retrieves a prescription scoped to its owning
// patient. Ownership mismatch reads as not found.
func (s *Store) GetPrescriptionForPatient(ctx context.Context, id, patientID int64) (*models.Prescription, error) {
	var p models.Prescription
	err := s.db.GetContext(ctx, &p,
		"SELECT * FROM prescriptions WHERE id = $1 AND patient_id = $2", id, patientID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: prescription %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrescriptionForDoctor retrieves a prescription scoped to the submitting doctor
func (s *Store) GetPrescriptionForDoctor(ctx context.Context, id, doctorID int64) (*models.Prescription, error) {
	var p models.Prescription
	err := s.db.GetContext(ctx, &p,
		"SELECT * FROM prescriptions WHERE id = $1 AND doctor_id = $2", id, doctorID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: prescription %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetItemsByPrescriptionID retrieves all items for a prescription
func (s *Store) GetItemsByPrescriptionID(ctx context.Context, prescriptionID int64) ([]models.PrescriptionItem, error) {
	var items []models.PrescriptionItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM prescription_items WHERE prescription_id = $1 ORDER BY id", prescriptionID)
	return items, err
}

// ListPrescriptionsByPatient retrieves a patient's prescriptions
func (s *Store) ListPrescriptionsByPatient(ctx context.Context, patientID int64) ([]models.Prescription, error) {
	var prescriptions []models.Prescription
	err := s.db.SelectContext(ctx, &prescriptions,
		"SELECT * FROM prescriptions WHERE patient_id = $1 ORDER BY created_at DESC", patientID)
	return prescriptions, err
}

// ListPrescriptionsByStatus retrieves prescriptions by status (review queue)
func (s *Store) ListPrescriptionsByStatus(ctx context.Context, status string) ([]models.Prescription, error) {
	var prescriptions []models.Prescription
	err := s.db.SelectContext(ctx, &prescriptions,
		"SELECT * FROM prescriptions WHERE status = $1 ORDER BY created_at", status)
	return prescriptions, err
}

// UpdatePrescriptionReview applies a review decision with pharmacist notes
func (s *Store) UpdatePrescriptionReview(ctx context.Context, id int64, status, notes string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE prescriptions SET status = $1, pharmacist_notes = $2, updated_at = NOW() WHERE id = $3",
		status, notes, id)
	return err
}

// UpdatePrescriptionStatus updates prescription status
func (s *Store) UpdatePrescriptionStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE prescriptions SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	return err
}

// SetPrescriptionRefillStatus updates the secondary refill_status attribute
func (s *Store) SetPrescriptionRefillStatus(ctx context.Context, id int64, refillStatus string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE prescriptions SET refill_status = $1, updated_at = NOW() WHERE id = $2",
		refillStatus, id)
	return err
}

// ApplyFill applies all item updates and the prescription status change in one
// transaction. Each item update is guarded against the outstanding quantity
// the engine read; any mismatch rolls the whole fill back with ErrConflict.
// The resulting status is derived from every item row inside the transaction,
// including items this fill did not touch, and returned to the caller.
func (s *Store) ApplyFill(ctx context.Context, update *pharmacy.FillUpdate) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	for _, item := range update.Items {
		res, err := tx.ExecContext(ctx, `
			UPDATE prescription_items
			SET quantity = $1, quantity_filled = $2
			WHERE id = $3 AND prescription_id = $4 AND quantity = $5`,
			item.NewQuantity, item.QuantityFilled, item.ItemID,
			update.PrescriptionID, item.ExpectedQuantity)
		if err != nil {
			return "", fmt.Errorf("failed to update item %d: %w", item.ItemID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", err
		}
		if affected == 0 {
			return "", fmt.Errorf("%w: item %d quantity changed since read", pharmacy.ErrConflict, item.ItemID)
		}
	}

	var outstanding bool
	if err := tx.GetContext(ctx, &outstanding, `
		SELECT EXISTS(
			SELECT 1 FROM prescription_items
			WHERE prescription_id = $1 AND quantity > 0
		)`, update.PrescriptionID); err != nil {
		return "", fmt.Errorf("failed to derive fill status: %w", err)
	}
	status := models.PrescriptionStatusFilled
	if outstanding {
		status = models.PrescriptionStatusPartiallyFilled
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE prescriptions
		SET status = $1, filled_at = $2, pharmacist_name = $3, updated_at = NOW()
		WHERE id = $4`,
		status, update.FilledAt, update.PharmacistName, update.PrescriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to update prescription status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", fmt.Errorf("%w: prescription %d", pharmacy.ErrNotFound, update.PrescriptionID)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}
