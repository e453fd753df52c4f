// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNumberTaken возвращается, если сгенерированный номер заказа уже занят.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrStatusChanged возвращается, если последний статус платежа отличается от ожидаемого.
	ErrStatusChanged = errors.New("payment status changed concurrently")
)

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

var retryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond}

// withRetry повторяет транзакцию при сбое сериализации, взаимоблокировке и обрыве соединения.
// Доменные ошибки не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
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
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// inTx выполняет fn в транзакции с повтором временных ошибок.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetUser возвращает пользователя из справочника.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, role, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// StoreExists сообщает, есть ли магазин в справочнике.
func (r *PostgresRepository) StoreExists(ctx context.Context, storeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stores WHERE id = $1)`,
		storeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check store: %w", err)
	}
	return exists, nil
}

// IsStoreStaff сообщает, является ли пользователь сотрудником магазина.
func (r *PostgresRepository) IsStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM store_users WHERE store_id = $1 AND user_id = $2)`,
		storeID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check store staff: %w", err)
	}
	return exists, nil
}

// GetMenu возвращает снимок меню.
func (r *PostgresRepository) GetMenu(ctx context.Context, menuID uuid.UUID) (*model.MenuSnapshot, error) {
	var m model.MenuSnapshot
	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, name, price FROM menus WHERE id = $1`,
		menuID,
	).Scan(&m.ID, &m.StoreID, &m.Name, &m.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: menu %s not found", model.ErrNotFound, menuID)
		}
		return nil, fmt.Errorf("get menu: %w", err)
	}
	return &m, nil
}

// GetMenuOption возвращает снимок опции меню.
func (r *PostgresRepository) GetMenuOption(ctx context.Context, optionID uuid.UUID) (*model.MenuOptionSnapshot, error) {
	var o model.MenuOptionSnapshot
	err := r.pool.QueryRow(ctx,
		`SELECT id, menu_id, name, price FROM menu_options WHERE id = $1`,
		optionID,
	).Scan(&o.ID, &o.MenuID, &o.Name, &o.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: menu option %s not found", model.ErrNotFound, optionID)
		}
		return nil, fmt.Errorf("get menu option: %w", err)
	}
	return &o, nil
}
