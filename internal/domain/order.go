package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order represents a customer's pizza order
type Order struct {
	ID           string          `json:"id"`
	CustomerName string          `json:"customerName"`
	Pizzas       []PizzaLineItem `json:"pizzas"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// PizzaLineItem is one row of an order; it has no identity of its own.
type PizzaLineItem struct {
	PizzaType PizzaType `json:"pizzaType"`
	Size      Size      `json:"size"`
	Quantity  int       `json:"quantity"`
}

func (i PizzaLineItem) LineTotal() decimal.Decimal {
	return i.PizzaType.BasePrice().Mul(i.Size.Multiplier()).Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// NewOrder creates a new order with business rules applied
func NewOrder(customerName string, pizzas []PizzaLineItem) (*Order, error) {
	// Postgres keeps microseconds; truncating keeps memory and SQL stores comparable.
	now := time.Now().UTC().Truncate(time.Microsecond)

	order := &Order{
		ID:           uuid.NewString(),
		CustomerName: strings.TrimSpace(customerName),
		Pizzas:       append([]PizzaLineItem(nil), pizzas...),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}

	order.CalculateTotal()

	return order, nil
}

// Validate applies business validation rules
func (o *Order) Validate() error {
	var fields []FieldError

	if o.CustomerName == "" {
		fields = append(fields, FieldError{Field: "customerName", Message: "customer name is required"})
	}

	if len(o.Pizzas) == 0 {
		fields = append(fields, FieldError{Field: "pizzas", Message: "order must contain at least 1 pizza"})
	}

	for i, item := range o.Pizzas {
		prefix := fmt.Sprintf("pizzas[%d]", i)
		if !item.PizzaType.Valid() {
			fields = append(fields, FieldError{Field: prefix + ".pizzaType", Message: fmt.Sprintf("unknown pizza type %q", item.PizzaType)})
		}
		if !item.Size.Valid() {
			fields = append(fields, FieldError{Field: prefix + ".size", Message: fmt.Sprintf("unknown size %q", item.Size)})
		}
		if item.Quantity < 1 {
			fields = append(fields, FieldError{Field: prefix + ".quantity", Message: "quantity must be at least 1"})
		}
	}

	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}

// CalculateTotal recomputes TotalPrice from the catalog, rounded to cents.
func (o *Order) CalculateTotal() {
	total := decimal.Zero
	for _, item := range o.Pizzas {
		total = total.Add(item.LineTotal())
	}
	o.TotalPrice = total.Round(2)
}

// Transition is a requested status change. From is optional; when set the
// change only applies if the order is still in that status.
type Transition struct {
	From Status
	To   Status
}

// Apply runs t against the order's current status.
func (o *Order) Apply(t Transition) error {
	if t.From != "" && t.From != o.Status {
		return NewInvalidTransitionError(o.ID, o.Status, t.To)
	}
	return o.TransitionTo(t.To)
}

// TransitionTo moves the order to next if the lifecycle allows it.
func (o *Order) TransitionTo(next Status) error {
	if !IsLegal(o.Status, next) {
		return NewInvalidTransitionError(o.ID, o.Status, next)
	}

	o.Status = next
	o.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	return nil
}

func (o *Order) Clone() *Order {
	c := *o
	c.Pizzas = append([]PizzaLineItem(nil), o.Pizzas...)
	return &c
}

// NewestFirst orders by creation time descending, ties broken by id.
// Every list of orders in the system is sorted with it.
func NewestFirst(a, b *Order) int {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
