package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetUserByID retrieves a user by ID through the service-level connection.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE email = $1", email)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", pharmacy.ErrNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateSessionToken stores a fallback session token
func (s *Store) CreateSessionToken(ctx context.Context, st *models.SessionToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens (token, user_id, expires_at, last_accessed_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		st.Token, st.UserID, st.ExpiresAt, st.LastAccessedAt, st.CreatedAt)
	return err
}

// GetSessionToken looks up a session token by exact match
func (s *Store) GetSessionToken(ctx context.Context, token string) (*models.SessionToken, error) {
	var st models.SessionToken
	err := s.db.GetContext(ctx, &st, "SELECT * FROM session_tokens WHERE token = $1", token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session token", pharmacy.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// TouchSessionToken refreshes last_accessed_at
func (s *Store) TouchSessionToken(ctx context.Context, token string, lastAccessedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE session_tokens SET last_accessed_at = $1 WHERE token = $2",
		lastAccessedAt, token)
	return err
}

// DeleteSessionToken removes a session token
func (s *Store) DeleteSessionToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session_tokens WHERE token = $1", token)
	return err
}

// GetShippingRate retrieves the flat rate for a shipping method
func (s *Store) GetShippingRate(ctx context.Context, method string) (int64, error) {
	var amount int64
	err := s.db.GetContext(ctx, &amount,
		"SELECT amount FROM shipping_rates WHERE method = $1", method)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: shipping method %s", pharmacy.ErrNotFound, method)
	}
	return amount, err
}

// IsDoctorLinkedToPatient checks the doctor-patient link table
func (s *Store) IsDoctorLinkedToPatient(ctx context.Context, doctorID, patientID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM doctor_patients WHERE doctor_id = $1 AND patient_id = $2)",
		doctorID, patientID)
	return exists, err
}

// CreateNotificationLog records one notification delivery outcome
func (s *Store) CreateNotificationLog(ctx context.Context, entry *models.NotificationLog) error {
	query := `
		INSERT INTO notification_log (event_id, template, recipient, status, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, entry, query,
		entry.EventID, entry.Template, entry.Recipient, entry.Status, entry.Reason)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
