package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

// Последняя запись журнала определяется по времени, а при равенстве по порядковому номеру.
const latestHistoryOrder = `ORDER BY h.created_at DESC, h.seq DESC`

const paymentColumns = `p.id, p.user_id, p.order_id, p.title, p.content, p.method, p.total_amount, p.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner, extra ...any) (*model.Payment, error) {
	var (
		p      model.Payment
		method string
	)
	dest := append([]any{&p.ID, &p.UserID, &p.OrderID, &p.Title, &p.Content, &method, &p.TotalAmount, &p.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.Method = model.PaymentMethod(method)
	return &p, nil
}

func paymentStatusStrings(statuses []model.PaymentStatus) []string {
	res := make([]string, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, string(s))
	}
	return res
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func hasActivePayment(ctx context.Context, q querier, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payments p
			JOIN LATERAL (
				SELECT h.status FROM payment_histories h
				WHERE h.payment_id = p.id `+latestHistoryOrder+` LIMIT 1
			) last ON true
			WHERE p.order_id = $1 AND last.status = ANY($2)
		)`,
		orderID, paymentStatusStrings(model.ActivePaymentStatuses),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active payment: %w", err)
	}
	return exists, nil
}

// HasActivePayment сообщает, есть ли у заказа платёж с активным последним статусом.
// Проверка без блокировки; окончательную проверку выполняет CreatePaymentWithReadyEntry.
func (r *PostgresRepository) HasActivePayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return hasActivePayment(ctx, r.pool, orderID)
}

// CreatePaymentWithReadyEntry под блокировкой строки заказа проверяет отсутствие активного платежа
// и сохраняет платёж вместе с записью READY.
func (r *PostgresRepository) CreatePaymentWithReadyEntry(ctx context.Context, p *model.Payment, entry *model.PaymentHistory) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, p.OrderID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: order not found", model.ErrNotFound)
			}
			return fmt.Errorf("lock order for update: %w", err)
		}

		active, err := hasActivePayment(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: a payment is already in progress or completed for this order", model.ErrConflict)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO payments (id, user_id, order_id, title, content, method, total_amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at`,
			p.ID, p.UserID, p.OrderID, p.Title, p.Content, string(p.Method), p.TotalAmount,
		).Scan(&p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		return insertHistory(ctx, tx, entry)
	})
}

func insertHistory(ctx context.Context, tx pgx.Tx, entry *model.PaymentHistory) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO payment_histories (id, payment_id, status) VALUES ($1, $2, $3) RETURNING created_at`,
		entry.ID, entry.PaymentID, string(entry.Status),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment history: %w", err)
	}
	return nil
}

func latestHistory(ctx context.Context, q querier, paymentID uuid.UUID) (*model.PaymentHistory, error) {
	var (
		h      model.PaymentHistory
		status string
	)
	err := q.QueryRow(ctx,
		`SELECT h.id, h.payment_id, h.status, h.created_at FROM payment_histories h
		 WHERE h.payment_id = $1 `+latestHistoryOrder+` LIMIT 1`,
		paymentID,
	).Scan(&h.ID, &h.PaymentID, &status, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment history not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get latest payment history: %w", err)
	}
	h.Status = model.PaymentStatus(status)
	return &h, nil
}

// lockAndExpect блокирует строку платежа и сверяет последний статус журнала с ожидаемым.
func lockAndExpect(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, expected model.PaymentStatus) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM payments WHERE id = $1 FOR UPDATE`, paymentID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: payment not found", model.ErrNotFound)
		}
		return fmt.Errorf("lock payment for update: %w", err)
	}

	latest, err := latestHistory(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if latest.Status != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrStatusChanged, expected, latest.Status)
	}
	return nil
}

// GetLatestPaymentHistory возвращает последнюю запись журнала платежа.
func (r *PostgresRepository) GetLatestPaymentHistory(ctx context.Context, paymentID uuid.UUID) (*model.PaymentHistory, error) {
	return latestHistory(ctx, r.pool, paymentID)
}

// AppendPaymentStatus добавляет запись журнала, только если последний статус равен expected.
func (r *PostgresRepository) AppendPaymentStatus(ctx context.Context, paymentID uuid.UUID, expected, next model.PaymentStatus) (*model.PaymentHistory, error) {
	entry, err := model.NewPaymentHistory(paymentID, next)
	if err != nil {
		return nil, err
	}

	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAndExpect(ctx, tx, paymentID, expected); err != nil {
			return err
		}
		return insertHistory(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ConfirmPayment сохраняет ключ шлюза и добавляет запись DONE в одной транзакции.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, key *model.PaymentKey) (*model.PaymentHistory, error) {
	entry, err := model.NewPaymentHistory(key.PaymentID, model.PaymentStatusDone)
	if err != nil {
		return nil, err
	}

	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAndExpect(ctx, tx, key.PaymentID, model.PaymentStatusInProgress); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO payment_keys (payment_id, payment_key, confirmed_at) VALUES ($1, $2, $3)`,
			key.PaymentID, key.PaymentKey, key.ConfirmedAt,
		); err != nil {
			return fmt.Errorf("insert payment key: %w", err)
		}

		return insertHistory(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordCancellation добавляет запись CANCELLED и запись об отмене с причиной в одной транзакции.
func (r *PostgresRepository) RecordCancellation(ctx context.Context, paymentID uuid.UUID, reason string) (*model.PaymentHistory, *model.PaymentCancel, error) {
	entry, err := model.NewPaymentHistory(paymentID, model.PaymentStatusCancelled)
	if err != nil {
		return nil, nil, err
	}
	cancel, err := model.NewPaymentCancel(entry.ID, reason)
	if err != nil {
		return nil, nil, err
	}

	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAndExpect(ctx, tx, paymentID, model.PaymentStatusCancelledInProgress); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO payment_cancels (id, payment_history_id, reason) VALUES ($1, $2, $3) RETURNING created_at`,
			cancel.ID, cancel.PaymentHistoryID, cancel.Reason,
		).Scan(&cancel.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert payment cancel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, cancel, nil
}

// GetPayment возвращает платёж без статуса.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1`,
		paymentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// GetPaymentKey возвращает ключ шлюза для платежа.
func (r *PostgresRepository) GetPaymentKey(ctx context.Context, paymentID uuid.UUID) (*model.PaymentKey, error) {
	var k model.PaymentKey
	err := r.pool.QueryRow(ctx,
		`SELECT payment_id, payment_key, confirmed_at FROM payment_keys WHERE payment_id = $1`,
		paymentID,
	).Scan(&k.PaymentID, &k.PaymentKey, &k.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment key not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment key: %w", err)
	}
	return &k, nil
}

const paymentWithLatestStatus = `SELECT ` + paymentColumns + `, last.status, last.created_at
	FROM payments p
	JOIN LATERAL (
		SELECT h.status, h.created_at FROM payment_histories h
		WHERE h.payment_id = p.id ` + latestHistoryOrder + ` LIMIT 1
	) last ON true`

func scanPaymentWithStatus(row scanner) (*model.PaymentWithStatus, error) {
	var (
		res    model.PaymentWithStatus
		status string
	)
	p, err := scanPayment(row, &status, &res.StatusUpdatedAt)
	if err != nil {
		return nil, err
	}
	res.Payment = *p
	res.Status = model.PaymentStatus(status)
	return &res, nil
}

// GetCompletedPaymentByOrder возвращает платёж заказа, последняя запись журнала которого DONE.
func (r *PostgresRepository) GetCompletedPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*model.Payment, error) {
	p, err := scanPaymentWithStatus(r.pool.QueryRow(ctx,
		paymentWithLatestStatus+` WHERE p.order_id = $1 AND last.status = $2 ORDER BY p.created_at DESC LIMIT 1`,
		orderID, string(model.PaymentStatusDone),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no completed payment for order", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get completed payment: %w", err)
	}
	return &p.Payment, nil
}

// ListPaymentsWithLatestStatus возвращает все платежи с последним статусом журнала.
func (r *PostgresRepository) ListPaymentsWithLatestStatus(ctx context.Context) ([]model.PaymentWithStatus, error) {
	rows, err := r.pool.Query(ctx, paymentWithLatestStatus+` ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentWithStatus
	for rows.Next() {
		p, err := scanPaymentWithStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListPaymentsStuckIn возвращает платежи, последняя запись журнала которых имеет один из
// статусов и создана раньше before.
func (r *PostgresRepository) ListPaymentsStuckIn(ctx context.Context, statuses []model.PaymentStatus, before time.Time) ([]model.PaymentWithStatus, error) {
	rows, err := r.pool.Query(ctx,
		paymentWithLatestStatus+` WHERE last.status = ANY($1) AND last.created_at < $2 ORDER BY last.created_at`,
		paymentStatusStrings(statuses), before,
	)
	if err != nil {
		return nil, fmt.Errorf("select stuck payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentWithStatus
	for rows.Next() {
		p, err := scanPaymentWithStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetPaymentWithLatestStatus возвращает платёж с последним статусом.
// Платёж без записей журнала считается ненайденным.
func (r *PostgresRepository) GetPaymentWithLatestStatus(ctx context.Context, paymentID uuid.UUID) (*model.PaymentWithStatus, error) {
	p, err := scanPaymentWithStatus(r.pool.QueryRow(ctx, paymentWithLatestStatus+` WHERE p.id = $1`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

const cancelEntries = `SELECT h.id, h.payment_id, h.status, p.total_amount, c.reason, h.created_at
	FROM payment_histories h
	JOIN payments p ON p.id = h.payment_id
	LEFT JOIN payment_cancels c ON c.payment_history_id = h.id`

// ListPaymentCancels возвращает все записи CANCELLED с причинами.
func (r *PostgresRepository) ListPaymentCancels(ctx context.Context) ([]model.PaymentCancelEntry, error) {
	return r.listCancelEntries(ctx,
		cancelEntries+` WHERE h.status = $1 ORDER BY h.created_at DESC, h.seq DESC`,
		string(model.PaymentStatusCancelled))
}

// ListPaymentCancelsByPayment возвращает записи CANCELLED_IN_PROGRESS и CANCELLED одного платежа.
func (r *PostgresRepository) ListPaymentCancelsByPayment(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentCancelEntry, error) {
	return r.listCancelEntries(ctx,
		cancelEntries+` WHERE h.payment_id = $1 AND h.status = ANY($2) ORDER BY h.created_at, h.seq`,
		paymentID, paymentStatusStrings([]model.PaymentStatus{
			model.PaymentStatusCancelledInProgress,
			model.PaymentStatusCancelled,
		}))
}

func (r *PostgresRepository) listCancelEntries(ctx context.Context, query string, args ...any) ([]model.PaymentCancelEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select payment cancels: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentCancelEntry
	for rows.Next() {
		var (
			e      model.PaymentCancelEntry
			status string
		)
		if err := rows.Scan(&e.HistoryID, &e.PaymentID, &status, &e.Amount, &e.Reason, &e.CanceledAt); err != nil {
			return nil, fmt.Errorf("scan payment cancel: %w", err)
		}
		e.Status = model.PaymentStatus(status)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListPaymentHistory возвращает журнал платежа от старых записей к новым.
func (r *PostgresRepository) ListPaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentHistory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, status, created_at FROM payment_histories
		 WHERE payment_id = $1 ORDER BY created_at, seq`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment history: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentHistory
	for rows.Next() {
		var (
			h      model.PaymentHistory
			status string
		)
		if err := rows.Scan(&h.ID, &h.PaymentID, &status, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment history: %w", err)
		}
		h.Status = model.PaymentStatus(status)
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
