// Package store persists invoice records, notification tasks and audit rows.
//
// Every invoice mutation after creation goes through ApplyTransition, a
// compare-and-set on (state, version). It is the only synchronization point
// between workers handling the same invoice.
package store

import (
	"context"
	"errors"
	"time"

	"invoice-pipeline/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict means the stored state or version no longer matches the caller's read.
	ErrConflict = errors.New("concurrent modification")
)

// Transition moves an invoice from the (From, Version) it was read at to Next.
// When Notify is set, the task is inserted in the same write, unless a task
// for the same (invoice, event) already exists.
type Transition struct {
	From    models.InvoiceState
	Version int64
	Next    models.InvoiceRecord
	Notify  *models.NotificationTask
}

// NotificationUpdate is a compare-and-set on (status, attempt_count) of a task.
type NotificationUpdate struct {
	FromStatus   models.NotificationStatus
	FromAttempts int
	Next         models.NotificationTask
}

// StalledQuery selects invoices the queue may have lost: PENDING rows last
// touched before PendingBefore, and EXTRACTING rows whose retry is due or whose
// lease has expired at Now.
type StalledQuery struct {
	Now           time.Time
	PendingBefore time.Time
	Limit         int
}

// Repository is the durable mapping from invoice id to its current record.
type Repository interface {
	CreateInvoice(ctx context.Context, rec models.InvoiceRecord) (models.InvoiceRecord, error)
	GetInvoice(ctx context.Context, id string) (models.InvoiceRecord, error)
	ApplyTransition(ctx context.Context, t Transition) (models.InvoiceRecord, error)
	ListStalled(ctx context.Context, q StalledQuery) ([]string, error)

	GetNotification(ctx context.Context, id string) (models.NotificationTask, error)
	ListNotifications(ctx context.Context, invoiceID string) ([]models.NotificationTask, error)
	UpdateNotification(ctx context.Context, u NotificationUpdate) (models.NotificationTask, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error)

	AppendAudit(ctx context.Context, invoiceID, event, detail string) error
}
