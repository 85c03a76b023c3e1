package pharmacy

import (
	"context"
	"strings"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"go.uber.org/zap"
)

// CreateOrderFromPrescription converts a prescription into an order with
// snapshot items. Order and item inserts are not wrapped in a transaction, so
// a failed item insert triggers an explicit compensating delete of the order
// before the failure is surfaced.
func (e *Engine) CreateOrderFromPrescription(ctx context.Context, prescriptionID int64, shippingMethod string, actor models.Principal) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Engine.CreateOrderFromPrescription")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	p, err := e.store.GetPrescriptionByID(ctx, prescriptionID)
	if err != nil {
		return nil, storeErr(err)
	}

	items, err := e.store.GetItemsByPrescriptionID(ctx, p.ID)
	if err != nil {
		return nil, internalf("failed to load prescription items: %v", err)
	}
	if len(items) == 0 {
		return nil, validationf("prescription %d has no items", p.ID)
	}

	var unpriced []string
	for _, item := range items {
		if item.Price <= 0 {
			unpriced = append(unpriced, item.MedicationName)
		}
	}
	if len(unpriced) > 0 {
		return nil, validationf("all medications must have prices, missing: %s", strings.Join(unpriced, ", "))
	}

	subtotal := e.pricing.Subtotal(items)
	tax := e.pricing.TaxAmount(subtotal)

	start := time.Now()
	shipping, err := e.rates.Amount(ctx, shippingMethod)
	util.ShippingRateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, internalf("failed to resolve shipping rate: %v", err)
	}

	order := &models.Order{
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		Subtotal:       subtotal,
		Tax:            tax,
		Shipping:       shipping,
		Total:          subtotal + tax + shipping,
		PaymentStatus:  models.PaymentStatusPending,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, internalf("failed to create order: %v", err)
	}

	for _, item := range items {
		orderItem := &models.OrderItem{
			OrderID:        order.ID,
			MedicationName: item.MedicationName,
			Dosage:         item.Dosage,
			Quantity:       item.Quantity,
			Price:          item.Price,
		}
		if err := e.store.CreateOrderItem(ctx, orderItem); err != nil {
			e.compensateOrder(ctx, order.ID)
			return nil, internalf("order item insert failed: %v", err)
		}
	}

	util.OrdersCreatedTotal.Inc()
	e.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("prescription_id", p.ID),
		zap.Int64("total", order.Total))

	e.notifyOrderCreated(ctx, order)
	return order, nil
}

// compensateOrder removes a half-created order so no order without its items
// stays reachable by normal queries.
func (e *Engine) compensateOrder(ctx context.Context, orderID int64) {
	if err := e.store.DeleteOrder(ctx, orderID); err != nil {
		e.logger.Error("Failed to compensate half-created order",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}
	util.OrdersCompensatedTotal.Inc()
	e.logger.Warn("Compensated half-created order", zap.Int64("order_id", orderID))
}

func (e *Engine) notifyOrderCreated(ctx context.Context, order *models.Order) {
	email, err := e.patientEmail(ctx, order.PatientID)
	if err != nil {
		e.logger.Error("Skipping order notification", zap.Error(err))
		return
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderCreated),
		OrderID:        order.ID,
		PrescriptionID: order.PrescriptionID,
		PatientID:      order.PatientID,
		PatientEmail:   email,
		Total:          order.Total,
	}
	if err := e.notifier.PublishOrderCreated(ctx, event); err != nil {
		e.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}
