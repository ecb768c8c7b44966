package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"invoice-pipeline/internal/models"
)

const invoiceColumns = `id, tenant, state, filename, content_type, size_bytes, page_count, raw_artifact_key,
	parsed_artifact_key, line_items, summary, error_kind, error_message, attempt_count, max_attempts,
	next_attempt_at, lease_expires_at, version, created_at, updated_at`

const taskColumns = `id, invoice_id, event_type, payload, status, attempt_count, max_attempts,
	next_attempt_at, last_error, delivered_at, created_at, updated_at`

// Postgres wraps pgxpool for invoice persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateInvoice inserts a new PENDING record.
func (s *Postgres) CreateInvoice(ctx context.Context, rec models.InvoiceRecord) (models.InvoiceRecord, error) {
	if rec.Version == 0 {
		rec.Version = 1
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (id, tenant, state, filename, content_type, size_bytes, page_count, raw_artifact_key,
			attempt_count, max_attempts, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+invoiceColumns,
		rec.ID, rec.Tenant, rec.State, rec.Filename, rec.ContentType, rec.SizeBytes, rec.PageCount,
		rec.RawArtifactKey, rec.AttemptCount, rec.MaxAttempts, rec.Version, rec.CreatedAt, rec.UpdatedAt)

	out, err := scanInvoice(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.InvoiceRecord{}, ErrDuplicate
		}
		return models.InvoiceRecord{}, fmt.Errorf("insert invoice: %w", err)
	}
	return out, nil
}

// GetInvoice fetches an invoice by id.
func (s *Postgres) GetInvoice(ctx context.Context, id string) (models.InvoiceRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	rec, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InvoiceRecord{}, ErrNotFound
	}
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("scan invoice: %w", err)
	}
	return rec, nil
}

// ApplyTransition conditionally updates the mutable columns of an invoice and,
// when requested, inserts its notification task in the same transaction.
func (s *Postgres) ApplyTransition(ctx context.Context, t Transition) (models.InvoiceRecord, error) {
	next := t.Next
	lineItems, err := marshalNullable(next.LineItems, len(next.LineItems) > 0)
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("marshal line items: %w", err)
	}
	summary, err := marshalNullable(next.Summary, next.Summary != nil)
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("marshal summary: %w", err)
	}
	var errKind, errMsg *string
	if next.Error != nil {
		errKind, errMsg = &next.Error.Kind, &next.Error.Message
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE invoices
		SET state = $4, parsed_artifact_key = $5, line_items = $6, summary = $7, error_kind = $8,
			error_message = $9, attempt_count = $10, next_attempt_at = $11, lease_expires_at = $12,
			version = version + 1, updated_at = $13
		WHERE id = $1 AND state = $2 AND version = $3
		RETURNING `+invoiceColumns,
		next.ID, t.From, t.Version, next.State, next.ParsedArtifactKey, lineItems, summary, errKind, errMsg,
		next.AttemptCount, next.NextAttemptAt, next.LeaseExpiresAt, next.UpdatedAt)

	out, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, next.ID).Scan(&exists); qerr != nil {
			return models.InvoiceRecord{}, fmt.Errorf("check invoice: %w", qerr)
		}
		if !exists {
			return models.InvoiceRecord{}, ErrNotFound
		}
		return models.InvoiceRecord{}, ErrConflict
	}
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("update invoice: %w", err)
	}

	if task := t.Notify; task != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO notification_tasks (id, invoice_id, event_type, payload, status, attempt_count, max_attempts,
				next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (invoice_id, event_type) DO NOTHING
		`, task.ID, task.InvoiceID, task.EventType, []byte(task.Payload), task.Status, task.AttemptCount,
			task.MaxAttempts, task.NextAttemptAt, task.CreatedAt)
		if err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("insert notification task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// ListStalled returns ids of invoices whose queue entry may have been lost.
func (s *Postgres) ListStalled(ctx context.Context, q StalledQuery) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM invoices
		WHERE (state = 'PENDING' AND updated_at < $2)
		   OR (state = 'EXTRACTING' AND (next_attempt_at <= $1 OR lease_expires_at <= $1))
		ORDER BY updated_at
		LIMIT $3
	`, q.Now, q.PendingBefore, limitOrDefault(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("query stalled invoices: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetNotification fetches a notification task by id.
func (s *Postgres) GetNotification(ctx context.Context, id string) (models.NotificationTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM notification_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationTask{}, ErrNotFound
	}
	if err != nil {
		return models.NotificationTask{}, fmt.Errorf("scan notification task: %w", err)
	}
	return task, nil
}

// ListNotifications returns every task recorded for an invoice.
func (s *Postgres) ListNotifications(ctx context.Context, invoiceID string) ([]models.NotificationTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM notification_tasks WHERE invoice_id = $1 ORDER BY created_at
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query notification tasks: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateNotification applies a compare-and-set on (status, attempt_count).
func (s *Postgres) UpdateNotification(ctx context.Context, u NotificationUpdate) (models.NotificationTask, error) {
	next := u.Next
	row := s.pool.QueryRow(ctx, `
		UPDATE notification_tasks
		SET status = $4, attempt_count = $5, next_attempt_at = $6, last_error = $7, delivered_at = $8, updated_at = $9
		WHERE id = $1 AND status = $2 AND attempt_count = $3
		RETURNING `+taskColumns,
		next.ID, u.FromStatus, u.FromAttempts, next.Status, next.AttemptCount, next.NextAttemptAt,
		next.LastError, next.DeliveredAt, next.UpdatedAt)

	out, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetNotification(ctx, next.ID); errors.Is(gerr, ErrNotFound) {
			return models.NotificationTask{}, ErrNotFound
		}
		return models.NotificationTask{}, ErrConflict
	}
	if err != nil {
		return models.NotificationTask{}, fmt.Errorf("update notification task: %w", err)
	}
	return out, nil
}

// ListDueNotifications returns QUEUED task ids whose next attempt is due.
func (s *Postgres) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM notification_tasks
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, models.NotificationQueued, now, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, invoiceID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (invoice_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, invoiceID, event, detail)
	return err
}

func scanInvoice(row pgx.Row) (models.InvoiceRecord, error) {
	var (
		rec         models.InvoiceRecord
		pageCount   pgtype.Int4
		parsedKey   pgtype.Text
		lineItems   []byte
		summary     []byte
		errKind     pgtype.Text
		errMsg      pgtype.Text
		nextAttempt pgtype.Timestamptz
		lease       pgtype.Timestamptz
	)
	if err := row.Scan(&rec.ID, &rec.Tenant, &rec.State, &rec.Filename, &rec.ContentType, &rec.SizeBytes,
		&pageCount, &rec.RawArtifactKey, &parsedKey, &lineItems, &summary, &errKind, &errMsg,
		&rec.AttemptCount, &rec.MaxAttempts, &nextAttempt, &lease, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.InvoiceRecord{}, err
	}

	if pageCount.Valid {
		n := int(pageCount.Int32)
		rec.PageCount = &n
	}
	rec.ParsedArtifactKey = textPtr(parsedKey)
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &rec.LineItems); err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("unmarshal line items: %w", err)
		}
	}
	if len(summary) > 0 {
		rec.Summary = &models.InvoiceSummary{}
		if err := json.Unmarshal(summary, rec.Summary); err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if errKind.Valid {
		rec.Error = &models.FailureDetail{Kind: errKind.String, Message: errMsg.String}
	}
	rec.NextAttemptAt = timePtr(nextAttempt)
	rec.LeaseExpiresAt = timePtr(lease)
	return rec, nil
}

func scanTask(row pgx.Row) (models.NotificationTask, error) {
	var (
		task      models.NotificationTask
		payload   []byte
		lastErr   pgtype.Text
		delivered pgtype.Timestamptz
	)
	if err := row.Scan(&task.ID, &task.InvoiceID, &task.EventType, &payload, &task.Status, &task.AttemptCount,
		&task.MaxAttempts, &task.NextAttemptAt, &lastErr, &delivered, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return models.NotificationTask{}, err
	}
	task.Payload = payload
	task.LastError = textPtr(lastErr)
	task.DeliveredAt = timePtr(delivered)
	return task, nil
}

func marshalNullable(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

var _ Repository = (*Postgres)(nil)
var _ Repository = (*Memory)(nil)
