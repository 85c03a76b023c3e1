package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"pharmacy-service/internal/models"
)

// Sender delivers one rendered notification.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends mail through a plain SMTP relay.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTPSender creates an SMTP sender. username may be empty for
// unauthenticated relays.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
		auth: auth,
	}
}

// Send delivers one message
func (s *SMTPSender) Send(_ context.Context, to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// Render produces the subject and body for a template name and raw event
// payload.
func Render(template string, payload json.RawMessage) (subject, body string, err error) {
	switch template {
	case models.TemplatePrescriptionReviewed:
		var ev models.PrescriptionReviewedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		subject = fmt.Sprintf("Your prescription #%d was %s", ev.PrescriptionID, ev.Decision)
		body = fmt.Sprintf("Your prescription #%d has been %s by the pharmacy.", ev.PrescriptionID, ev.Decision)
		if ev.Notes != "" {
			body += "\n\nPharmacist notes: " + ev.Notes
		}

	case models.TemplatePrescriptionFilled:
		var ev models.PrescriptionFilledEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		if ev.Status == models.PrescriptionStatusFilled {
			subject = fmt.Sprintf("Prescription #%d filled", ev.PrescriptionID)
			body = fmt.Sprintf("Your prescription #%d has been completely filled by %s.", ev.PrescriptionID, ev.PharmacistName)
		} else {
			subject = fmt.Sprintf("Prescription #%d partially filled", ev.PrescriptionID)
			body = fmt.Sprintf("Your prescription #%d has been partially filled by %s. The remaining balance can be refilled.", ev.PrescriptionID, ev.PharmacistName)
		}

	case models.TemplateRefillRequested:
		var ev models.RefillRequestedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		subject = fmt.Sprintf("Refill request received for prescription #%d", ev.PrescriptionID)
		body = fmt.Sprintf("We received your refill request for prescription #%d. The pharmacy will review it shortly.", ev.PrescriptionID)

	case models.TemplateRefillDecided:
		var ev models.RefillDecidedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		subject = fmt.Sprintf("Refill request for prescription #%d %s", ev.PrescriptionID, ev.Decision)
		body = fmt.Sprintf("Your refill request for prescription #%d was %s.", ev.PrescriptionID, ev.Decision)
		if ev.Notes != "" {
			body += "\n\nNotes: " + ev.Notes
		}

	case models.TemplateRefillProcessed:
		var ev models.RefillProcessedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		subject = fmt.Sprintf("Refill started for prescription #%d", ev.PrescriptionID)
		body = fmt.Sprintf("Your refill for prescription #%d is being processed. Refills used: %d of %d.",
			ev.PrescriptionID, ev.RefillsUsed, ev.RefillLimit)

	case models.TemplateOrderCreated:
		var ev models.OrderCreatedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", "", err
		}
		subject = fmt.Sprintf("Order #%d created", ev.OrderID)
		body = fmt.Sprintf("An order has been created for your prescription #%d. Total: %d.", ev.PrescriptionID, ev.Total)

	default:
		return "", "", fmt.Errorf("unknown template: %s", template)
	}
	return subject, body, nil
}
