package reservation

import (
	"context"
	"fmt"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

const (
	StrategyOptimistic  = "optimistic"
	StrategyPessimistic = "pessimistic"
	StrategyAdaptive    = "adaptive"
)

// MutateFunc applies a lifecycle change to unit within tx. It may write other
// rows through tx. It reports whether the unit itself was changed; when it
// was, the strategy persists it with a version bump before commit.
type MutateFunc func(ctx context.Context, tx bun.Tx, unit *models.Unit) (bool, error)

// Strategy arbitrates concurrent writers to a single unit. Every
// implementation commits the unit write and the caller's ledger writes in one
// transaction.
type Strategy interface {
	Name() string
	Mutate(ctx context.Context, unitID string, fn MutateFunc) error
}

// NewStrategy returns the strategy for a LOCK_STRATEGY value.
func NewStrategy(name string, store Store) (Strategy, error) {
	switch name {
	case StrategyOptimistic:
		return &Optimistic{store: store}, nil
	case StrategyPessimistic:
		return &Pessimistic{store: store}, nil
	case StrategyAdaptive:
		return &Adaptive{store: store, pessimistic: &Pessimistic{store: store}}, nil
	default:
		return nil, fmt.Errorf("unknown lock strategy %q", name)
	}
}

// Optimistic reads the unit without a lock and writes it back only if its
// version is unchanged. A lost race surfaces as models.ErrConcurrencyConflict.
type Optimistic struct {
	store Store
}

func (o *Optimistic) Name() string { return StrategyOptimistic }

func (o *Optimistic) Mutate(ctx context.Context, unitID string, fn MutateFunc) error {
	unit, err := o.store.GetUnit(ctx, o.store.Conn(), unitID)
	if err != nil {
		return err
	}
	return commitVersioned(ctx, o.store, unit, fn)
}

func commitVersioned(ctx context.Context, store Store, unit *models.Unit, fn MutateFunc) error {
	return store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		expected := unit.Version
		changed, err := fn(ctx, tx, unit)
		if err != nil || !changed {
			return err
		}
		return store.UpdateUnit(ctx, tx, unit, expected)
	})
}

// Pessimistic locks the unit row for the life of the transaction. Writers to
// the same unit queue behind each other instead of conflicting.
type Pessimistic struct {
	store Store
}

func (p *Pessimistic) Name() string { return StrategyPessimistic }

func (p *Pessimistic) Mutate(ctx context.Context, unitID string, fn MutateFunc) error {
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		unit, err := p.store.GetUnitForUpdate(ctx, tx, unitID)
		if err != nil {
			return err
		}
		expected := unit.Version
		changed, err := fn(ctx, tx, unit)
		if err != nil || !changed {
			return err
		}
		return p.store.UpdateUnit(ctx, tx, unit, expected)
	})
}

// Adaptive runs optimistically unless the unit is flagged hot, in which case
// it takes the row lock.
type Adaptive struct {
	store       Store
	pessimistic *Pessimistic
}

func (a *Adaptive) Name() string { return StrategyAdaptive }

func (a *Adaptive) Mutate(ctx context.Context, unitID string, fn MutateFunc) error {
	unit, err := a.store.GetUnit(ctx, a.store.Conn(), unitID)
	if err != nil {
		return err
	}
	if unit.Hot {
		return a.pessimistic.Mutate(ctx, unitID, fn)
	}
	return commitVersioned(ctx, a.store, unit, fn)
}
