package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"invoice-pipeline/internal/models"
)

// Memory is an in-process Repository. It is safe for concurrent use and
// applies the same compare-and-set rules as the Postgres implementation.
type Memory struct {
	mu            sync.Mutex
	invoices      map[string]models.InvoiceRecord
	notifications map[string]models.NotificationTask
	byEvent       map[string]string
	audit         []models.AuditLog
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		invoices:      make(map[string]models.InvoiceRecord),
		notifications: make(map[string]models.NotificationTask),
		byEvent:       make(map[string]string),
	}
}

func (m *Memory) CreateInvoice(_ context.Context, rec models.InvoiceRecord) (models.InvoiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[rec.ID]; ok {
		return models.InvoiceRecord{}, ErrDuplicate
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.invoices[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

func (m *Memory) GetInvoice(_ context.Context, id string) (models.InvoiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.invoices[id]
	if !ok {
		return models.InvoiceRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ApplyTransition(_ context.Context, t Transition) (models.InvoiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.invoices[t.Next.ID]
	if !ok {
		return models.InvoiceRecord{}, ErrNotFound
	}
	if cur.State != t.From || cur.Version != t.Version {
		return models.InvoiceRecord{}, ErrConflict
	}

	next := t.Next.Clone()
	// Identity and upload metadata are immutable after creation.
	next.Tenant = cur.Tenant
	next.Filename = cur.Filename
	next.ContentType = cur.ContentType
	next.SizeBytes = cur.SizeBytes
	next.PageCount = cur.PageCount
	next.RawArtifactKey = cur.RawArtifactKey
	next.MaxAttempts = cur.MaxAttempts
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	m.invoices[next.ID] = next

	if t.Notify != nil {
		key := t.Notify.InvoiceID + "|" + t.Notify.EventType
		if _, exists := m.byEvent[key]; !exists {
			m.byEvent[key] = t.Notify.ID
			m.notifications[t.Notify.ID] = cloneTask(*t.Notify)
		}
	}
	return next.Clone(), nil
}

func (m *Memory) ListStalled(_ context.Context, q StalledQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, rec := range m.invoices {
		if stalled(rec, q) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func stalled(rec models.InvoiceRecord, q StalledQuery) bool {
	switch rec.State {
	case models.StatePending:
		return rec.UpdatedAt.Before(q.PendingBefore)
	case models.StateExtracting:
		if rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(q.Now) {
			return true
		}
		return rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(q.Now)
	}
	return false
}

func (m *Memory) GetNotification(_ context.Context, id string) (models.NotificationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.notifications[id]
	if !ok {
		return models.NotificationTask{}, ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *Memory) ListNotifications(_ context.Context, invoiceID string) ([]models.NotificationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.NotificationTask
	for _, task := range m.notifications {
		if task.InvoiceID == invoiceID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateNotification(_ context.Context, u NotificationUpdate) (models.NotificationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.notifications[u.Next.ID]
	if !ok {
		return models.NotificationTask{}, ErrNotFound
	}
	if cur.Status != u.FromStatus || cur.AttemptCount != u.FromAttempts {
		return models.NotificationTask{}, ErrConflict
	}
	next := cloneTask(u.Next)
	next.InvoiceID = cur.InvoiceID
	next.EventType = cur.EventType
	next.Payload = cur.Payload
	next.CreatedAt = cur.CreatedAt
	m.notifications[next.ID] = next
	return cloneTask(next), nil
}

func (m *Memory) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, task := range m.notifications {
		if task.Status == models.NotificationQueued && !task.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) AppendAudit(_ context.Context, invoiceID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, models.AuditLog{
		InvoiceID: invoiceID,
		Event:     event,
		Detail:    detail,
		Recorded:  time.Now().UTC(),
	})
	return nil
}

// Audit returns the audit rows recorded for an invoice, oldest first.
func (m *Memory) Audit(invoiceID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AuditLog
	for _, a := range m.audit {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out
}

func cloneTask(t models.NotificationTask) models.NotificationTask {
	out := t
	if t.Payload != nil {
		out.Payload = append([]byte(nil), t.Payload...)
	}
	if t.LastError != nil {
		v := *t.LastError
		out.LastError = &v
	}
	if t.DeliveredAt != nil {
		v := *t.DeliveredAt
		out.DeliveredAt = &v
	}
	return out
}
