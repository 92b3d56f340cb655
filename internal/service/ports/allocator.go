package ports

import (
	"context"
	"errors"
	"fmt"
)

// Port range handed out to deployments.
const (
	MinPort = 3000
	MaxPort = 65535
)

// ErrRangeExhausted indicates every port above the current maximum is taken.
var ErrRangeExhausted = errors.New("ports: range exhausted")

// Source reports the highest port currently assigned.
type Source interface {
	MaxPort(ctx context.Context) (int, bool, error)
}

// Allocator derives the next port from the highest one in use. The result is
// advisory: the store's uniqueness constraint decides who actually gets it.
type Allocator struct {
	source Source
	min    int
	max    int
}

// New constructs an Allocator over the default range.
func New(source Source) Allocator {
	return Allocator{source: source, min: MinPort, max: MaxPort}
}

// WithRange returns a copy handing out ports in [min, max].
func (a Allocator) WithRange(min, max int) Allocator {
	a.min = min
	a.max = max
	return a
}

// Allocate returns max+1, or the lower bound when nothing is assigned yet.
func (a Allocator) Allocate(ctx context.Context) (int, error) {
	current, ok, err := a.source.MaxPort(ctx)
	if err != nil {
		return 0, fmt.Errorf("read max port: %w", err)
	}
	if !ok || current < a.min {
		return a.min, nil
	}
	next := current + 1
	if next > a.max {
		return 0, ErrRangeExhausted
	}
	return next, nil
}
