package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const invoiceColumns = `id, user_id, subscription_id, provider_invoice_id,
	amount, currency, status, hosted_invoice_url, invoice_pdf,
	period_start, period_end, paid_at, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }, inv *Invoice) error {
	return row.Scan(
		&inv.ID, &inv.UserID, &inv.SubscriptionID, &inv.ProviderInvoiceID,
		&inv.Amount, &inv.Currency, &inv.Status, &inv.HostedInvoiceURL, &inv.InvoicePDF,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
}

// UpsertInvoice inserts an invoice or updates the existing row keyed by the
// provider invoice reference, so redelivered payment events converge on the
// same record.
func (s *Store) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	err := s.db.QueryRow(ctx, `
		INSERT INTO invoices (
			id, user_id, subscription_id, provider_invoice_id,
			amount, currency, status, hosted_invoice_url, invoice_pdf,
			period_start, period_end, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (provider_invoice_id) DO UPDATE SET
			subscription_id = COALESCE(EXCLUDED.subscription_id, invoices.subscription_id),
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			hosted_invoice_url = EXCLUDED.hosted_invoice_url,
			invoice_pdf = EXCLUDED.invoice_pdf,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			paid_at = COALESCE(EXCLUDED.paid_at, invoices.paid_at),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		inv.ID, inv.UserID, inv.SubscriptionID, inv.ProviderInvoiceID,
		inv.Amount, inv.Currency, inv.Status, inv.HostedInvoiceURL, inv.InvoicePDF,
		inv.PeriodStart, inv.PeriodEnd, inv.PaidAt, inv.CreatedAt, inv.UpdatedAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	return wrapWrite("upsert invoice", err)
}

// ListInvoicesByUser returns a user's invoices, newest first.
func (s *Store) ListInvoicesByUser(ctx context.Context, userID uuid.UUID) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, wrapRead("list invoices", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := scanInvoice(rows, &inv); err != nil {
			return nil, wrapRead("list invoices", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, wrapRead("list invoices", rows.Err())
}
