package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusPreparing Status = "Preparing"
	StatusReady     Status = "Ready"
	StatusDelivered Status = "Delivered"
)

// lifecycle is the single authoritative transition table: every order moves
// through these statuses in this order, one step at a time.
var lifecycle = []Status{StatusPending, StatusPreparing, StatusReady, StatusDelivered}

var actionLabels = map[Status]string{
	StatusPending:   "Start Preparing",
	StatusPreparing: "Mark as Ready",
	StatusReady:     "Mark as Delivered",
}

// Role identifies which dashboard a subscriber or actor belongs to.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleKitchen  Role = "kitchen"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleKitchen
}

// StatusLog represents a log entry for order status changes
type StatusLog struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changedBy"`
	ChangedAt time.Time `json:"changedAt"`
}

// Action is what the kitchen can do with an order in a given status.
type Action struct {
	Label string `json:"label"`
	Next  Status `json:"next"`
}

func (s Status) rank() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Before reports whether s comes strictly earlier than other in the lifecycle.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

func (s Status) Terminal() bool {
	return s == StatusDelivered
}

// ParseStatus accepts any casing of a lifecycle status name.
func ParseStatus(raw string) (Status, bool) {
	raw = strings.TrimSpace(raw)
	for _, st := range lifecycle {
		if strings.EqualFold(string(st), raw) {
			return st, true
		}
	}
	return "", false
}

// NextStatus returns the only status current may legally move to.
// The second result is false for Delivered and for unknown statuses.
func NextStatus(current Status) (Status, bool) {
	r := current.rank()
	if r < 0 || r == len(lifecycle)-1 {
		return "", false
	}
	return lifecycle[r+1], true
}

// PreviousStatus is the inverse of NextStatus.
func PreviousStatus(current Status) (Status, bool) {
	r := current.rank()
	if r <= 0 {
		return "", false
	}
	return lifecycle[r-1], true
}

// IsLegal reports whether requested is exactly the next step after current.
func IsLegal(current, requested Status) bool {
	next, ok := NextStatus(current)
	return ok && next == requested
}

// ActionFor returns the kitchen action available for an order in status s.
func ActionFor(s Status) (Action, bool) {
	next, ok := NextStatus(s)
	if !ok {
		return Action{}, false
	}
	return Action{Label: actionLabels[s], Next: next}, true
}

// Statuses returns the lifecycle in order.
func Statuses() []Status {
	out := make([]Status, len(lifecycle))
	copy(out, lifecycle)
	return out
}
