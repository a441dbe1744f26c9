/*
store.go - Persistence interfaces for the engine

PURPOSE:
  Defines the contract between the domain logic and the database. The
  ledger, scheme and schedule packages depend only on these interfaces;
  concrete implementations live in store/sqlite (production) and
  core/store (in-memory, for tests).

LOCKING CONTRACT:
  LockLot acquires an EXCLUSIVE per-lot lock and returns the current row.
  The lock is held until the surrounding transaction ends, so two writers
  against the same lot are strictly serialized while writers against
  different lots proceed in parallel. LockLot is only meaningful on the
  Store handed to WithTx's callback; implementations release the lock on
  commit and on rollback alike.

TRANSACTIONS:
  WithTx executes fn within one transaction. If fn returns an error the
  transaction is rolled back in full - lot quantities, dose rows and
  application rows all revert together. There is no compensating-action
  model, only atomic rollback.

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation (sqlx over SQLite)
  - core/store/memory.go: In-memory implementation for tests
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// STORE - What the ledger, scheme and schedule packages need
// =============================================================================

type Store interface {
	// Vaccines
	GetVaccine(ctx context.Context, id VaccineID) (*Vaccine, error)
	UpdateVaccine(ctx context.Context, v Vaccine) error

	// Doses
	GetDose(ctx context.Context, id DoseID) (*Dose, error)
	GetDoseByNumber(ctx context.Context, vaccineID VaccineID, number int) (*Dose, error)
	ListDoses(ctx context.Context, vaccineID VaccineID) ([]Dose, error)

	// ReplaceDoses drops every dose row for the vaccine and inserts the
	// given set, as one operation. Returns the inserted doses with IDs
	// assigned. Fails if any existing dose is referenced by an application.
	ReplaceDoses(ctx context.Context, vaccineID VaccineID, doses []Dose) ([]Dose, error)

	// ApplicationCountForVaccine counts committed applications referencing
	// any dose of the vaccine. Used to guard scheme regeneration.
	ApplicationCountForVaccine(ctx context.Context, vaccineID VaccineID) (int, error)

	// Lots
	GetLot(ctx context.Context, id LotID) (*Lot, error)

	// LockLot acquires the exclusive per-lot lock and returns the current
	// row. See the package comment for the locking contract.
	LockLot(ctx context.Context, id LotID) (*Lot, error)

	// SetLotQuantity writes the lot's on-hand quantity. Callers must hold
	// the lot's lock via LockLot; the write is void unless the surrounding
	// transaction commits.
	SetLotQuantity(ctx context.Context, id LotID, quantity int) error

	// Applications
	InsertApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id ApplicationID) (*Application, error)
	UpdateApplication(ctx context.Context, app Application) error
	DeleteApplication(ctx context.Context, id ApplicationID) error

	// Existence checks for external collaborators. The ledger never
	// mutates these records.
	UserExists(ctx context.Context, id UserID, role Role) (bool, error)
	UnitExists(ctx context.Context, id UnitID) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. All ledger mutations run
// through WithTx so stock bookkeeping and event records commit together.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back; otherwise it is committed. Per-lot locks
	// acquired inside fn are released when the transaction ends.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// EXPIRY QUERIES - For alerting, read-only
// =============================================================================

// ExpiryStore lists lots approaching their usable-by date. Implemented by
// the production store; optional for test doubles.
type ExpiryStore interface {
	ListLotsExpiringBy(ctx context.Context, by time.Time) ([]Lot, error)
}
