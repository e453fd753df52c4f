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

const orderColumns = `id, order_number, store_id, user_id, request, need_disposables, pickup_time, status,
	estimated_time, reason, cancelled_by,
	payment_completed_at, accepted_at, cooking_started_at, cooking_completed_at, picked_up_at, cancelled_at,
	created_at, version`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		status      string
		cancelledBy *string
		estimated   *int32
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.StoreID, &o.UserID, &o.Request, &o.NeedDisposables, &o.PickupTime, &status,
		&estimated, &o.Reason, &cancelledBy,
		&o.PaymentCompletedAt, &o.AcceptedAt, &o.CookingStartedAt, &o.CookingCompletedAt, &o.PickedUpAt, &o.CancelledAt,
		&o.CreatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	if cancelledBy != nil {
		by := model.CancelledBy(*cancelledBy)
		o.CancelledBy = &by
	}
	if estimated != nil {
		v := int(*estimated)
		o.EstimatedTime = &v
	}

	return &o, nil
}

func statusStrings(statuses []model.OrderStatus) []string {
	res := make([]string, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, string(s))
	}
	return res
}

// CreateOrder сохраняет заказ вместе с позициями и опциями в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO orders (id, order_number, store_id, user_id, request, need_disposables, pickup_time, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING created_at, version`,
			o.ID, o.OrderNumber, o.StoreID, o.UserID, o.Request, o.NeedDisposables, o.PickupTime, string(o.Status),
		).Scan(&o.CreatedAt, &o.Version)
		if err != nil {
			if isUniqueViolation(err, "orders_order_number_key") {
				return fmt.Errorf("%w: %s", ErrOrderNumberTaken, o.OrderNumber)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, item := range o.Items {
			batch.Queue(
				`INSERT INTO order_items (id, order_id, position, menu_id, menu_name, menu_price, quantity)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				item.ID, o.ID, i, item.MenuID, item.MenuName, item.MenuPrice, item.Quantity,
			)
			for j, opt := range item.Options {
				batch.Queue(
					`INSERT INTO order_item_options (id, order_item_id, position, menu_option_id, option_name, option_price)
					 VALUES ($1, $2, $3, $4, $5, $6)`,
					opt.ID, item.ID, j, opt.MenuOptionID, opt.OptionName, opt.OptionPrice,
				)
			}
		}

		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		return nil
	})
}

// GetOrderByID возвращает заказ с позициями.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// GetOrderByNumber возвращает заказ по номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)
}

func (r *PostgresRepository) getOrder(ctx context.Context, query string, arg any) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order not found", model.ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	orders := []*model.Order{o}
	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrderRefs возвращает владельца и магазин заказа без загрузки позиций.
func (r *PostgresRepository) GetOrderRefs(ctx context.Context, id uuid.UUID) (int64, uuid.UUID, error) {
	var (
		userID  int64
		storeID uuid.UUID
	)
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, store_id FROM orders WHERE id = $1`,
		id,
	).Scan(&userID, &storeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, uuid.Nil, fmt.Errorf("%w: order not found", model.ErrNotFound)
		}
		return 0, uuid.Nil, fmt.Errorf("get order refs: %w", err)
	}
	return userID, storeID, nil
}

// ListUserOrders возвращает заказы пользователя, новые первыми. Пустой список статусов означает все.
func (r *PostgresRepository) ListUserOrders(ctx context.Context, userID int64, statuses []model.OrderStatus) ([]model.Order, error) {
	if len(statuses) == 0 {
		return r.listOrders(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
			userID)
	}
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at DESC`,
		userID, statusStrings(statuses))
}

// ListStoreOrders возвращает страницу заказов магазина, новые первыми.
func (r *PostgresRepository) ListStoreOrders(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]model.Order, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM orders WHERE store_id = $1`,
		storeID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count store orders: %w", err)
	}

	orders, err := r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE store_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		storeID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListStoreOrdersByStatus возвращает заказы магазина в указанных статусах.
func (r *PostgresRepository) ListStoreOrdersByStatus(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE store_id = $1 AND status = ANY($2) ORDER BY created_at`,
		storeID, statusStrings(statuses))
}

// ListStoreOrdersAcceptedBetween возвращает заказы, принятые в интервале [from, to), по времени принятия.
func (r *PostgresRepository) ListStoreOrdersAcceptedBetween(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus, from, to time.Time) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND status = ANY($2) AND accepted_at >= $3 AND accepted_at < $4
		 ORDER BY accepted_at`,
		storeID, statusStrings(statuses), from, to)
}

// ListStoreOrdersCreatedBetween возвращает заказы, созданные в интервале [from, to).
func (r *PostgresRepository) ListStoreOrdersCreatedBetween(ctx context.Context, storeID uuid.UUID, from, to time.Time) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at`,
		storeID, from, to)
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var ptrs []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		ptrs = append(ptrs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.loadItems(ctx, ptrs); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(ptrs))
	for _, o := range ptrs {
		orders = append(orders, *o)
	}
	return orders, nil
}

// loadItems подгружает позиции и опции двумя запросами на весь список заказов.
func (r *PostgresRepository) loadItems(ctx context.Context, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	byOrder := make(map[uuid.UUID]*model.Order, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		byOrder[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, menu_id, menu_name, menu_price, quantity
		 FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}

	type itemRef struct {
		order *model.Order
		index int
	}
	items := make(map[uuid.UUID]itemRef)
	var itemIDs []uuid.UUID

	for rows.Next() {
		var (
			item    model.OrderItem
			orderID uuid.UUID
			qty     int32
		)
		if err := rows.Scan(&item.ID, &orderID, &item.MenuID, &item.MenuName, &item.MenuPrice, &qty); err != nil {
			rows.Close()
			return fmt.Errorf("scan order item: %w", err)
		}
		item.Quantity = int(qty)

		o := byOrder[orderID]
		o.Items = append(o.Items, item)
		items[item.ID] = itemRef{order: o, index: len(o.Items) - 1}
		itemIDs = append(itemIDs, item.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	if len(itemIDs) == 0 {
		return nil
	}

	optRows, err := r.pool.Query(ctx,
		`SELECT id, order_item_id, menu_option_id, option_name, option_price
		 FROM order_item_options WHERE order_item_id = ANY($1) ORDER BY order_item_id, position`,
		itemIDs,
	)
	if err != nil {
		return fmt.Errorf("select order item options: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var (
			opt    model.OrderItemOption
			itemID uuid.UUID
		)
		if err := optRows.Scan(&opt.ID, &itemID, &opt.MenuOptionID, &opt.OptionName, &opt.OptionPrice); err != nil {
			return fmt.Errorf("scan order item option: %w", err)
		}
		ref := items[itemID]
		ref.order.Items[ref.index].Options = append(ref.order.Items[ref.index].Options, opt)
	}
	if err := optRows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// UpdateOrder сохраняет статус и отметки времени заказа с проверкой версии.
// Проигравший гонку получает model.ErrConflict.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *model.Order) error {
	var cancelledBy *string
	if o.CancelledBy != nil {
		v := string(*o.CancelledBy)
		cancelledBy = &v
	}

	var newVersion int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`UPDATE orders SET
				status = $3, estimated_time = $4, reason = $5, cancelled_by = $6,
				payment_completed_at = $7, accepted_at = $8, cooking_started_at = $9,
				cooking_completed_at = $10, picked_up_at = $11, cancelled_at = $12,
				version = version + 1
			 WHERE id = $1 AND version = $2
			 RETURNING version`,
			o.ID, o.Version, string(o.Status), o.EstimatedTime, o.Reason, cancelledBy,
			o.PaymentCompletedAt, o.AcceptedAt, o.CookingStartedAt,
			o.CookingCompletedAt, o.PickedUpAt, o.CancelledAt,
		).Scan(&newVersion)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: order %s was modified concurrently", model.ErrConflict, o.ID)
		}
		return fmt.Errorf("update order: %w", err)
	}

	o.Version = newVersion
	return nil
}
