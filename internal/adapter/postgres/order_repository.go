package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const createdBy = "order-service"

type orderRepository struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *pgxpool.Pool) interfaces.OrderStore {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, customer_name, total_price, status, created_at, updated_at)
			VALUES ($1, $2, $3::text::numeric, $4, $5, $6)
		`, order.ID, order.CustomerName, order.TotalPrice.StringFixed(2), string(order.Status), order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		// позиции в порядке отправки
		batch := &pgx.Batch{}
		for i, item := range order.Pizzas {
			batch.Queue(`
				INSERT INTO order_pizzas (order_id, position, pizza_type, size, quantity)
				VALUES ($1, $2, $3, $4, $5)
			`, order.ID, i, string(item.PizzaType), string(item.Size), item.Quantity)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert order pizza: %w", err)
		}

		return insertStatusLog(ctx, tx, order.ID, order.Status, createdBy, order.CreatedAt)
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, r.db, id, false)
}

func (r *orderRepository) List(ctx context.Context) ([]*domain.Order, error) {
	query := `
		SELECT id::text, customer_name, total_price::text, status, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC, id ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	byID := make(map[string]*domain.Order)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	rows.Close()

	if len(orders) == 0 {
		return []*domain.Order{}, nil
	}

	pizzaRows, err := r.db.Query(ctx, `
		SELECT order_id::text, pizza_type, size, quantity
		FROM order_pizzas
		ORDER BY order_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query order pizzas: %w", err)
	}
	defer pizzaRows.Close()

	for pizzaRows.Next() {
		var orderID, pizzaType, size string
		var qty int
		if err := pizzaRows.Scan(&orderID, &pizzaType, &size, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan order pizza: %w", err)
		}
		if order, ok := byID[orderID]; ok {
			order.Pizzas = append(order.Pizzas, domain.PizzaLineItem{
				PizzaType: domain.PizzaType(pizzaType),
				Size:      domain.Size(size),
				Quantity:  qty,
			})
		}
	}
	if err := pizzaRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order pizzas: %w", err)
	}

	return orders, nil
}

// ApplyTransition locks the order row, so concurrent requests for the same
// id are checked against the committed status one at a time.
func (r *orderRepository) ApplyTransition(ctx context.Context, id string, t domain.Transition, changedBy string) (*domain.Order, error) {
	var order *domain.Order
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		order, err = getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := order.Apply(t); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
			string(order.Status), order.UpdatedAt, order.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return insertStatusLog(ctx, tx, order.ID, order.Status, changedBy, order.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepository) GetStatusHistory(ctx context.Context, id string) ([]*domain.StatusLog, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT order_id::text, status, changed_by, changed_at
		FROM order_status_log
		WHERE order_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var logs []*domain.StatusLog
	for rows.Next() {
		var log domain.StatusLog
		var status string
		if err := rows.Scan(&log.OrderID, &status, &log.ChangedBy, &log.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status log: %w", err)
		}
		log.Status = domain.Status(status)
		log.ChangedAt = log.ChangedAt.UTC()
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status history: %w", err)
	}

	return logs, nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	// Не-UUID идентификатор просто не найдётся
	if !validUUID(id) {
		return nil, domain.NewNotFoundError(id)
	}

	query := `
		SELECT id::text, customer_name, total_price::text, status, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	order, err := scanOrder(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT pizza_type, size, quantity
		FROM order_pizzas
		WHERE order_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order pizzas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pizzaType, size string
		var qty int
		if err := rows.Scan(&pizzaType, &size, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan order pizza: %w", err)
		}
		order.Pizzas = append(order.Pizzas, domain.PizzaLineItem{
			PizzaType: domain.PizzaType(pizzaType),
			Size:      domain.Size(size),
			Quantity:  qty,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order pizzas: %w", err)
	}

	return order, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var order domain.Order
	var total, status string
	err := row.Scan(&order.ID, &order.CustomerName, &total, &status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	order.TotalPrice, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total price %q: %w", total, err)
	}
	order.Status = domain.Status(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func insertStatusLog(ctx context.Context, tx pgx.Tx, orderID string, status domain.Status, changedBy string, at time.Time) error {
	query := `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, query, orderID, string(status), changedBy, at); err != nil {
		return fmt.Errorf("failed to log status: %w", err)
	}
	return nil
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
