package lock

import (
	"context"
	"errors"
	"time"
)

// ErrCommandFailed wraps failures reported by the lock command itself.
var ErrCommandFailed = errors.New("lock: command failed")

// User is a temporary lock user bound to a stay.
type User struct {
	Name     string
	Code     string
	CheckIn  time.Time
	CheckOut time.Time
}

// Status is the lock's self-reported state.
type Status struct {
	Count int
	// Battery is the raw reading, e.g. "High", "Low" or "35".
	Battery string
}

// Controller creates and removes temporary users on the door lock.
type Controller interface {
	// AddUser provisions u and returns the reference the lock knows it by.
	AddUser(ctx context.Context, u User) (string, error)
	DeleteUser(ctx context.Context, name string) error
	Status(ctx context.Context) (Status, error)
}
