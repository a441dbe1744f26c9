/*
lot.go - Serialized stock mutations per lot

PURPOSE:
  Every change to a lot's on-hand quantity flows through ReserveOne and
  ReleaseOne. Both run against a transaction-scoped store and take the
  lot's exclusive lock before reading the quantity, so concurrent writers
  against the same lot cannot interleave into a double-count or a negative
  balance. Writers against different lots proceed fully in parallel.

FAILURE POLICY:
  Lock acquisition blocks only the calling operation until the prior
  holder's transaction ends. A lock-wait timeout or detected deadlock
  surfaces as a retryable ConflictError, never a generic fault. Every
  mutation is void unless the surrounding transaction commits.

SEE ALSO:
  - core/locks.go: The per-lot lock manager backing LockLot
  - application.go: The only caller
*/
package ledger

import (
	"context"
	"time"

	"github.com/vaxtrace/vaccine-engine/core"
)

// LotLedger owns the quantity counter of every lot. It is stateless; the
// locking discipline lives in the store's LockLot and the callbacks all run
// inside the caller's transaction.
type LotLedger struct{}

// ReserveOne takes the lot's exclusive lock, checks that one unit can be
// drawn at asOf, decrements the quantity by exactly 1 and returns the
// locked snapshot (already reflecting the decrement).
//
// Failure order: missing lot, exhausted stock, expired lot. The expiry
// boundary is inclusive - a lot is usable strictly before ExpiresAt.
func (LotLedger) ReserveOne(ctx context.Context, tx core.Store, lotID core.LotID, asOf time.Time) (*core.Lot, error) {
	lot, err := tx.LockLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Quantity <= 0 {
		return nil, &core.OutOfStockError{LotID: lot.ID, Code: lot.Code}
	}
	if !lot.Usable(asOf) {
		return nil, &core.ExpiredLotError{LotID: lot.ID, Code: lot.Code, ExpiresAt: lot.ExpiresAt, AsOf: asOf}
	}

	lot.Quantity--
	if err := tx.SetLotQuantity(ctx, lot.ID, lot.Quantity); err != nil {
		return nil, err
	}
	return lot, nil
}

// ReleaseOne returns one unit to the lot under the same locking discipline.
// Used when an application is reversed or re-pointed at another lot. No
// expiry check applies: giving stock back is always legal.
func (LotLedger) ReleaseOne(ctx context.Context, tx core.Store, lotID core.LotID) (*core.Lot, error) {
	lot, err := tx.LockLot(ctx, lotID)
	if err != nil {
		return nil, err
	}

	lot.Quantity++
	if err := tx.SetLotQuantity(ctx, lot.ID, lot.Quantity); err != nil {
		return nil, err
	}
	return lot, nil
}
