package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
)

const jobColumns = `id, requester, provider, kind, input, invoice_id, status,
	result, error, created_at, updated_at, paid_at, completed_at`

// IngestJob inserts a fresh record unless one already exists for the job id.
// Replayed requests are reported as duplicates, never as errors.
func (r *Repository) IngestJob(ctx context.Context, rec domain.JobRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		string(rec.ID), string(rec.Requester), string(rec.Provider), string(rec.Kind),
		rec.Input, string(rec.InvoiceID), string(rec.Status),
		rec.Result, rec.Error, rec.CreatedAt, rec.UpdatedAt, rec.PaidAt, rec.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ingest job %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return rec, err
}

func (r *Repository) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *Repository) ListJobs(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TransitionJob applies the job state machine inside a transaction. The
// current status is re-read under the transaction, so overlapping poller
// passes and replayed events serialize on the row and collapse to no-ops.
func (r *Repository) TransitionJob(ctx context.Context, id domain.JobID, event domain.JobEvent,
	mutate func(*domain.JobRecord)) (domain.JobRecord, bool, error) {

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.JobRecord{}, false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.JobRecord{}, false, err
	}

	next, err := domain.Apply(rec.Status, event)
	if err != nil {
		return rec, false, err
	}
	if next == rec.Status {
		return rec, false, tx.Commit()
	}

	rec.Status = next
	rec.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&rec)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET invoice_id = ?, status = ?, result = ?, error = ?,
			updated_at = ?, paid_at = ?, completed_at = ?
		WHERE id = ?`,
		string(rec.InvoiceID), string(rec.Status), rec.Result, rec.Error,
		rec.UpdatedAt, rec.PaidAt, rec.CompletedAt, string(rec.ID),
	)
	if err != nil {
		return rec, false, fmt.Errorf("update job %s: %w", id, err)
	}
	return rec, true, tx.Commit()
}

// SaveInvoice inserts an invoice, rejecting a second pending non-cancelled
// invoice for the same job.
func (r *Repository) SaveInvoice(ctx context.Context, inv domain.Invoice) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE job_id = ? AND status = ?`,
		string(inv.JobID), string(domain.InvoicePending)).Scan(&pending)
	if err != nil {
		return fmt.Errorf("check pending invoices: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("%w: job %s", domain.ErrInvoiceConflict, inv.JobID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, job_id, amount_msat, payment_request, payment_hash,
			status, created_at, paid_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inv.ID), string(inv.JobID), inv.AmountMsat, inv.PaymentRequest,
		string(inv.PaymentHash), string(inv.Status), inv.CreatedAt, inv.PaidAt,
		inv.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	return tx.Commit()
}

func (r *Repository) GetInvoice(ctx context.Context, id domain.InvoiceID) (domain.Invoice, error) {
	return r.invoiceWhere(ctx, `id = ?`, string(id))
}

func (r *Repository) GetInvoiceByJob(ctx context.Context, jobID domain.JobID) (domain.Invoice, error) {
	return r.invoiceWhere(ctx, `job_id = ? AND status != 'CANCELLED'`, string(jobID))
}

func (r *Repository) GetInvoiceByPaymentHash(ctx context.Context, hash domain.PaymentHash) (domain.Invoice, error) {
	return r.invoiceWhere(ctx, `payment_hash = ?`, string(hash))
}

func (r *Repository) UpdateInvoiceStatus(ctx context.Context, id domain.InvoiceID,
	status domain.InvoiceStatus, paidAt *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, paid_at = ? WHERE id = ?`,
		string(status), paidAt, string(id))
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", id, err)
	}
	return nil
}

func (r *Repository) invoiceWhere(ctx context.Context, where string, arg any) (domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, amount_msat, payment_request, payment_hash,
			status, created_at, paid_at, ttl_ms
		FROM invoices WHERE `+where+` ORDER BY created_at DESC LIMIT 1`, arg)

	var inv domain.Invoice
	var id, jobID, hash, status string
	var ttlMs int64
	err := row.Scan(&id, &jobID, &inv.AmountMsat, &inv.PaymentRequest, &hash,
		&status, &inv.CreatedAt, &inv.PaidAt, &ttlMs)
	if err == sql.ErrNoRows {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	inv.ID = domain.InvoiceID(id)
	inv.JobID = domain.JobID(jobID)
	inv.PaymentHash = domain.PaymentHash(hash)
	inv.Status = domain.InvoiceStatus(status)
	inv.TTL = time.Duration(ttlMs) * time.Millisecond
	return inv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.JobRecord, error) {
	var rec domain.JobRecord
	var id, requester, provider, kind, invoiceID, status string
	err := row.Scan(&id, &requester, &provider, &kind, &rec.Input, &invoiceID, &status,
		&rec.Result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt, &rec.PaidAt, &rec.CompletedAt)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec.ID = domain.JobID(id)
	rec.Requester = domain.AgentID(requester)
	rec.Provider = domain.AgentID(provider)
	rec.Kind = domain.JobKind(kind)
	rec.InvoiceID = domain.InvoiceID(invoiceID)
	rec.Status = domain.JobStatus(status)
	return rec, nil
}

func collectJobs(rows *sql.Rows) ([]domain.JobRecord, error) {
	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
