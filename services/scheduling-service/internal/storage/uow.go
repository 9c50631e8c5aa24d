package storage

import (
	"context"
	"log/slog"

	"github.com/careloop-health/careslot/libs/db"
)

// Compensator collects undo actions registered while a unit of work runs in
// degraded (non-transactional) mode. On failure they execute in reverse
// registration order, best-effort. In transactional mode the rollback makes
// them unnecessary and they are discarded.
type Compensator struct {
	active bool
	undos  []func(context.Context)
}

// NewCompensator returns a compensator; an active one collects undos, an
// inactive one discards them.
func NewCompensator(active bool) *Compensator {
	return &Compensator{active: active}
}

// Register records an undo for a side effect that has already hit the
// datastore. No-op in transactional mode.
func (c *Compensator) Register(undo func(context.Context)) {
	if !c.active {
		return
	}
	c.undos = append(c.undos, undo)
}

// Rollback executes the registered undos, newest first.
func (c *Compensator) Rollback(ctx context.Context) {
	for i := len(c.undos) - 1; i >= 0; i-- {
		c.undos[i](ctx)
	}
}

// UnitOfWork executes a sequence of slot + booking mutations as one commit
// when the datastore connection supports transactions. With DB_TX_DISABLED
// (e.g. behind PgBouncer in statement pooling mode, where multi-statement
// transactions are unavailable) it degrades to sequential execution: partial
// completion is possible, and each Run logs which invariant is at risk.
type UnitOfWork struct {
	pool     *db.Pool
	logger   *slog.Logger
	degraded bool
}

func NewUnitOfWork(pool *db.Pool, logger *slog.Logger, disableTx bool) *UnitOfWork {
	return &UnitOfWork{pool: pool, logger: logger, degraded: disableTx}
}

// Atomic reports whether Run commits all-or-nothing.
func (u *UnitOfWork) Atomic() bool {
	return !u.degraded
}

func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, q Querier, comp *Compensator) error) error {
	if u.degraded {
		u.logger.Warn("unit of work running without a transaction; slot/booking atomicity is not guaranteed under partial failure")
		comp := NewCompensator(true)
		if err := fn(ctx, u.pool, comp); err != nil {
			comp.Rollback(ctx)
			return err
		}
		return nil
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx, NewCompensator(false)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
