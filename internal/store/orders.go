package store

import (
	"context"
	"database/sql"
	"fmt"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (prescription_id, patient_id, subtotal, tax, shipping, total, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.PrescriptionID, order.PatientID, order.Subtotal, order.Tax,
		order.Shipping, order.Total, order.PaymentStatus)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %d", pharmacy.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// DeleteOrder removes an order and any items already inserted for it. Used as
// the compensating action when item insertion fails mid-way.
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", orderID)
	return err
}

// CreateOrderItem creates a new order item snapshot
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, medication_name, dosage, quantity, price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.MedicationName, item.Dosage, item.Quantity, item.Price)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}
