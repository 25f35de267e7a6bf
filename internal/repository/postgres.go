// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/orderflow/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict возвращается, если заказ был изменён параллельно.
	ErrVersionConflict = errors.New("order was modified concurrently")
	// ErrDocumentExists возвращается при попытке сохранить второй документ для заказа.
	ErrDocumentExists = errors.New("fiscal document already exists for order")
	// ErrDocumentNotFound возвращается, если у заказа нет фискального документа.
	ErrDocumentNotFound = errors.New("fiscal document not found")
	// ErrAccessKeyExists возвращается, если ключ доступа уже принадлежит другому документу.
	ErrAccessKeyExists = errors.New("access key already registered")
)

const accessKeyConstraint = "fiscal_documents_access_key_unique"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOrder сохраняет новый заказ вместе с позициями. Номер заказа, отметки
// времени и версия заполняются из БД.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (
			id, customer_id, customer_name, customer_document, customer_email, seller_id,
			shipping_cost, other_costs, subtotal, tax_total, total_amount, totals_digest,
			payment_method, payment_term, status, issue_date, delivery_date, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING number, version, created_at, updated_at`,
		o.ID, o.Customer.ID, o.Customer.Name, o.Customer.Document, o.Customer.Email, o.SellerID,
		o.ShippingCost, o.OtherCosts, o.Totals.Subtotal, o.Totals.TaxTotal, o.Totals.TotalAmount, o.TotalsDigest,
		o.Payment.Method, o.Payment.Term, string(o.Status), o.IssueDate, o.DeliveryDate, o.ValidUntil,
	).Scan(&o.Number, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o *model.Order
	err := r.withRetry(ctx, func() error {
		var err error
		o, err = r.loadOrder(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) loadOrder(ctx context.Context, id string) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, number, customer_id, customer_name, customer_document, customer_email, seller_id,
			shipping_cost, other_costs, subtotal, tax_total, total_amount, totals_digest,
			payment_method, payment_term, status, issue_date, delivery_date, valid_until,
			version, created_at, updated_at
		 FROM orders
		 WHERE id = $1`,
		id,
	).Scan(
		&o.ID, &o.Number, &o.Customer.ID, &o.Customer.Name, &o.Customer.Document, &o.Customer.Email, &o.SellerID,
		&o.ShippingCost, &o.OtherCosts, &o.Totals.Subtotal, &o.Totals.TaxTotal, &o.Totals.TotalAmount, &o.TotalsDigest,
		&o.Payment.Method, &o.Payment.Term, &status, &o.IssueDate, &o.DeliveryDate, &o.ValidUntil,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	rows, err := r.pool.Query(ctx,
		`SELECT product_code, product_name, unit, quantity, unit_price, discount_percent, tax_rate,
			subtotal, tax_amount, total
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(
			&it.ProductCode, &it.ProductName, &it.Unit, &it.Quantity, &it.UnitPrice, &it.DiscountPercent, &it.TaxRate,
			&it.Subtotal, &it.TaxAmount, &it.Total,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		o.Items = append(o.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

// SaveOrder сохраняет изменения заказа, если его версия в БД равна expectedVersion.
// При успехе версия заказа увеличивается.
func (r *PostgresRepository) SaveOrder(ctx context.Context, o *model.Order, expectedVersion int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateOrder(ctx, tx, o, expectedVersion); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InvoiceOrder в одной транзакции сохраняет фискальный документ и новое состояние заказа.
// Либо видны оба изменения, либо ни одного.
func (r *PostgresRepository) InvoiceOrder(ctx context.Context, o *model.Order, doc *model.FiscalDocument, expectedVersion int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	artifacts := doc.Artifacts
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO fiscal_documents (
			id, order_id, number, series, access_key, artifacts,
			delivery_status, last_delivery_error, delivered_at, issued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.OrderID, doc.Number, doc.Series, doc.AccessKey, artifacts,
		string(doc.DeliveryStatus), doc.LastDeliveryError, doc.DeliveredAt, doc.IssuedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == accessKeyConstraint {
				return fmt.Errorf("%w: %s", ErrAccessKeyExists, doc.AccessKey)
			}
			return fmt.Errorf("%w: %s", ErrDocumentExists, doc.OrderID)
		}
		return fmt.Errorf("insert fiscal document: %w", err)
	}

	if err := updateOrder(ctx, tx, o, expectedVersion); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetFiscalDocumentByOrder возвращает фискальный документ заказа.
func (r *PostgresRepository) GetFiscalDocumentByOrder(ctx context.Context, orderID string) (*model.FiscalDocument, error) {
	var doc model.FiscalDocument
	err := r.withRetry(ctx, func() error {
		var status string
		err := r.pool.QueryRow(ctx,
			`SELECT id, order_id, number, series, access_key, artifacts,
				delivery_status, last_delivery_error, delivered_at, issued_at
			 FROM fiscal_documents
			 WHERE order_id = $1`,
			orderID,
		).Scan(
			&doc.ID, &doc.OrderID, &doc.Number, &doc.Series, &doc.AccessKey, &doc.Artifacts,
			&status, &doc.LastDeliveryError, &doc.DeliveredAt, &doc.IssuedAt,
		)
		if err != nil {
			return err
		}
		doc.DeliveryStatus = model.DeliveryStatus(status)
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get fiscal document: %w", err)
	}
	return &doc, nil
}

// UpdateDeliveryStatus фиксирует результат последней попытки отправки документа.
// Номер, ключ доступа и артефакты документа не меняются.
func (r *PostgresRepository) UpdateDeliveryStatus(ctx context.Context, docID string, res model.DeliveryResult) error {
	var deliveredAt *time.Time
	lastError := ""
	if res.Status == model.DeliveryStatusSent {
		at := res.AttemptedAt
		deliveredAt = &at
	} else {
		lastError = res.Message
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE fiscal_documents
		 SET delivery_status = $2,
		     last_delivery_error = $3,
		     delivered_at = COALESCE($4, delivered_at)
		 WHERE id = $1`,
		docID, string(res.Status), lastError, deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// RecordGenerationAttempt добавляет запись в журнал попыток выпуска документа.
func (r *PostgresRepository) RecordGenerationAttempt(ctx context.Context, a model.GenerationAttempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO generation_attempts (id, order_id, idempotency_key, outcome, reason, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.OrderID, a.IdempotencyKey, string(a.Outcome), a.Reason, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation attempt: %w", err)
	}
	return nil
}

// ListGenerationAttempts возвращает журнал попыток выпуска документа по заказу.
func (r *PostgresRepository) ListGenerationAttempts(ctx context.Context, orderID string) ([]model.GenerationAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, idempotency_key, outcome, reason, attempted_at
		 FROM generation_attempts
		 WHERE order_id = $1
		 ORDER BY attempted_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select generation attempts: %w", err)
	}
	defer rows.Close()

	var res []model.GenerationAttempt
	for rows.Next() {
		var (
			a       model.GenerationAttempt
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.OrderID, &a.IdempotencyKey, &outcome, &a.Reason, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan generation attempt: %w", err)
		}
		a.Outcome = model.AttemptOutcome(outcome)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func updateOrder(ctx context.Context, tx pgx.Tx, o *model.Order, expectedVersion int64) error {
	err := tx.QueryRow(ctx,
		`UPDATE orders SET
			customer_id = $3, customer_name = $4, customer_document = $5, customer_email = $6, seller_id = $7,
			shipping_cost = $8, other_costs = $9, subtotal = $10, tax_total = $11, total_amount = $12,
			totals_digest = $13, payment_method = $14, payment_term = $15, status = $16,
			issue_date = $17, delivery_date = $18, valid_until = $19,
			version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING version, updated_at`,
		o.ID, expectedVersion,
		o.Customer.ID, o.Customer.Name, o.Customer.Document, o.Customer.Email, o.SellerID,
		o.ShippingCost, o.OtherCosts, o.Totals.Subtotal, o.Totals.TaxTotal, o.Totals.TotalAmount,
		o.TotalsDigest, o.Payment.Method, o.Payment.Term, string(o.Status),
		o.IssueDate, o.DeliveryDate, o.ValidUntil,
	).Scan(&o.Version, &o.UpdatedAt)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update order: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return insertItems(ctx, tx, o.ID, o.Items)
}

func insertItems(ctx context.Context, tx pgx.Tx, orderID string, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, it := range items {
		batch.Queue(
			`INSERT INTO order_items (
				order_id, position, product_code, product_name, unit, quantity, unit_price,
				discount_percent, tax_rate, subtotal, tax_amount, total
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			orderID, i, it.ProductCode, it.ProductName, it.Unit, it.Quantity, it.UnitPrice,
			it.DiscountPercent, it.TaxRate, it.Subtotal, it.TaxAmount, it.Total,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return nil
}
