package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventInvoiceProcessed is emitted once an invoice reaches READY.
const EventInvoiceProcessed = "invoice.processed"

// NotificationStatus enumerates delivery states of a notification task.
type NotificationStatus string

const (
	NotificationQueued    NotificationStatus = "QUEUED"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationAbandoned NotificationStatus = "ABANDONED"
)

var notificationNamespace = uuid.MustParse("5b0f6c1e-3f0a-4d8e-9a57-2f1c3c7d9e10")

// NotificationID derives the task id for an (invoice, event) pair so that
// repeated enqueues of the same completion collapse onto one task.
func NotificationID(invoiceID, eventType string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(invoiceID+"|"+eventType)).String()
}

// NotificationTask is one webhook delivery sequence for an invoice event.
type NotificationTask struct {
	ID            string             `json:"id"`
	InvoiceID     string             `json:"invoice_id"`
	EventType     string             `json:"event_type"`
	Payload       json.RawMessage    `json:"payload"`
	Status        NotificationStatus `json:"status"`
	AttemptCount  int                `json:"attempt_count"`
	MaxAttempts   int                `json:"max_attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastError     *string            `json:"last_error,omitempty"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ProcessedPayload is the body POSTed for invoice.processed events.
type ProcessedPayload struct {
	Event         string     `json:"event"`
	InvoiceID     string     `json:"invoice_id"`
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	LineItems     []LineItem `json:"line_items"`
	Totals        Totals     `json:"totals"`
}

// NewProcessedTask builds the QUEUED task announcing that rec reached READY.
func NewProcessedTask(rec InvoiceRecord, maxAttempts int, now time.Time) (NotificationTask, error) {
	p := ProcessedPayload{
		Event:     EventInvoiceProcessed,
		InvoiceID: rec.ID,
		LineItems: rec.LineItems,
	}
	if rec.Summary != nil {
		p.Vendor = rec.Summary.Vendor
		p.InvoiceNumber = rec.Summary.InvoiceNumber
		p.Totals = rec.Summary.Totals
	}
	body, err := json.Marshal(p)
	if err != nil {
		return NotificationTask{}, err
	}
	return NotificationTask{
		ID:            NotificationID(rec.ID, EventInvoiceProcessed),
		InvoiceID:     rec.ID,
		EventType:     EventInvoiceProcessed,
		Payload:       body,
		Status:        NotificationQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
