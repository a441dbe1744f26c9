/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements core.TxStore (plus the directory CRUD the API layer needs)
  using sqlx over mattn/go-sqlite3. In production the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

LOCKING:
  SQLite has no SELECT ... FOR UPDATE, so the per-lot exclusive lock is an
  in-process core.LotLocks entry acquired by LockLot and held until the
  transaction ends. Combined with WAL mode and a busy timeout this gives
  the contract the ledger needs: same-lot writers serialize, different-lot
  writers do not wait on each other, and lock-wait timeouts surface as
  retryable conflicts.

REFERENTIAL INTEGRITY:
  Foreign keys are ON and declared RESTRICT where the domain forbids
  deletion: a vaccine with lots, a dose or lot with recorded applications.
  Violations map to ConflictError, unique collisions to ConflictError,
  and SQLITE_BUSY/LOCKED to a retryable ConflictError. Supplier,
  manufacturer and stock references are soft columns; they may be empty.

WAL MODE:
  The database is opened with WAL so readers never block the writer and
  crash recovery is sane.

USAGE:
  store, err := sqlite.New("./data/vaccine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  appLedger := ledger.NewApplicationLedger(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - core/store.go: Interface definitions and the locking contract
  - core/store/memory.go: In-memory implementation for tests
  - directory.go: CRUD for users, units, suppliers, campaigns, reports
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/vaxtrace/vaccine-engine/core"
)

// Store implements core.TxStore and the directory CRUD.
type Store struct {
	db    *sqlx.DB
	locks *core.LotLocks
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between our own
	// transactions; the in-process lot locks do the fine-grained ordering.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, locks: core.NewLotLocks()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE,
			phone TEXT NOT NULL DEFAULT '',
			cpf TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			education TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,

		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			street TEXT NOT NULL DEFAULT '',
			district TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			number INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS manufacturers (
			cnpj TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS suppliers (
			cnpj TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS stocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL REFERENCES units(id),
			manager_id TEXT NOT NULL REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS vaccines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			disease TEXT NOT NULL DEFAULT '',
			target_group TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			manufacturer_cnpj TEXT NOT NULL DEFAULT '',
			quantity_doses INTEGER NOT NULL CHECK (quantity_doses >= 1),
			interval_doses INTEGER NOT NULL DEFAULT 0 CHECK (interval_doses >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS doses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vaccine_id INTEGER NOT NULL REFERENCES vaccines(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			interval_days INTEGER NOT NULL DEFAULT 0,
			UNIQUE(vaccine_id, number)
		)`,

		`CREATE TABLE IF NOT EXISTS lots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			vaccine_id INTEGER NOT NULL REFERENCES vaccines(id) ON DELETE RESTRICT,
			supplier_cnpj TEXT NOT NULL DEFAULT '',
			stock_id INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME NOT NULL,
			arrived_at DATETIME NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_vaccine ON lots(vaccine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_expiry ON lots(expires_at)`,

		`CREATE TABLE IF NOT EXISTS applications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL REFERENCES users(id),
			professional_id TEXT NOT NULL REFERENCES users(id),
			admin_id TEXT NOT NULL REFERENCES users(id),
			unit_id TEXT NOT NULL REFERENCES units(id),
			dose_id INTEGER NOT NULL REFERENCES doses(id) ON DELETE RESTRICT,
			lot_id INTEGER NOT NULL REFERENCES lots(id) ON DELETE RESTRICT,
			applied_at DATETIME NOT NULL,
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_patient ON applications(patient_id, applied_at)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_dose ON applications(dose_id)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_lot ON applications(lot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_applied_at ON applications(applied_at)`,

		`CREATE TABLE IF NOT EXISTS campaigns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			starts_at DATETIME NOT NULL,
			ends_at DATETIME NOT NULL,
			target_group TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			admin_id TEXT NOT NULL REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS campaign_publications (
			campaign_id INTEGER NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			vaccine_id INTEGER NOT NULL REFERENCES vaccines(id),
			PRIMARY KEY (campaign_id, vaccine_id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapError(kind string, id any, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Kind: kind, ID: id}
	}
	return mapDriverError(err)
}

// mapDriverError translates sqlite3 failure codes onto the error taxonomy.
// Busy/locked is the database's lock-wait timeout and is retryable.
func mapDriverError(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch {
	case serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked:
		return &core.ConflictError{Reason: "database busy; retry", Retryable: true}
	case serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return &core.ConflictError{Reason: "already exists: " + serr.Error()}
	case serr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return &core.ConflictError{Reason: "related record missing or still referenced"}
	case serr.ExtendedCode == sqlite3.ErrConstraintCheck:
		return &core.ValidationError{Reason: serr.Error()}
	}
	return err
}

// =============================================================================
// CORE STORE (autocommit paths run against the pooled handle)
// =============================================================================

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, so each query helper
// serves the autocommit and transactional paths alike.
type querier interface {
	sqlx.ExtContext
}

func (s *Store) GetVaccine(ctx context.Context, id core.VaccineID) (*core.Vaccine, error) {
	return getVaccine(ctx, s.db, id)
}

func getVaccine(ctx context.Context, q querier, id core.VaccineID) (*core.Vaccine, error) {
	var v core.Vaccine
	err := sqlx.GetContext(ctx, q, &v, `SELECT * FROM vaccines WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("vaccine", id, err)
	}
	return &v, nil
}

func (s *Store) UpdateVaccine(ctx context.Context, v core.Vaccine) error {
	return updateVaccine(ctx, s.db, v)
}

func updateVaccine(ctx context.Context, q querier, v core.Vaccine) error {
	res, err := q.ExecContext(ctx, `
		UPDATE vaccines
		SET name = ?, disease = ?, target_group = ?, description = ?,
		    manufacturer_cnpj = ?, quantity_doses = ?, interval_doses = ?
		WHERE id = ?`,
		v.Name, v.Disease, v.TargetGroup, v.Description,
		v.ManufacturerCNPJ, v.QuantityDoses, v.IntervalDoses, v.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "vaccine", ID: v.ID}
	}
	return nil
}

func (s *Store) GetDose(ctx context.Context, id core.DoseID) (*core.Dose, error) {
	return getDose(ctx, s.db, id)
}

func getDose(ctx context.Context, q querier, id core.DoseID) (*core.Dose, error) {
	var d core.Dose
	err := sqlx.GetContext(ctx, q, &d, `SELECT * FROM doses WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("dose", id, err)
	}
	return &d, nil
}

func (s *Store) GetDoseByNumber(ctx context.Context, vaccineID core.VaccineID, number int) (*core.Dose, error) {
	return getDoseByNumber(ctx, s.db, vaccineID, number)
}

func getDoseByNumber(ctx context.Context, q querier, vaccineID core.VaccineID, number int) (*core.Dose, error) {
	var d core.Dose
	err := sqlx.GetContext(ctx, q, &d,
		`SELECT * FROM doses WHERE vaccine_id = ? AND number = ?`, vaccineID, number)
	if err != nil {
		return nil, mapError("dose", number, err)
	}
	return &d, nil
}

func (s *Store) ListDoses(ctx context.Context, vaccineID core.VaccineID) ([]core.Dose, error) {
	return listDoses(ctx, s.db, vaccineID)
}

func listDoses(ctx context.Context, q querier, vaccineID core.VaccineID) ([]core.Dose, error) {
	var doses []core.Dose
	err := sqlx.SelectContext(ctx, q, &doses,
		`SELECT * FROM doses WHERE vaccine_id = ? ORDER BY number`, vaccineID)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return doses, nil
}

// ReplaceDoses outside a transaction wraps itself in one; the delete and
// the inserts must land atomically.
func (s *Store) ReplaceDoses(ctx context.Context, vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	var out []core.Dose
	err := s.WithTx(ctx, func(tx core.Store) error {
		var err error
		out, err = tx.ReplaceDoses(ctx, vaccineID, doses)
		return err
	})
	return out, err
}

func replaceDoses(ctx context.Context, q querier, vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	inUse, err := applicationCountForVaccine(ctx, q, vaccineID)
	if err != nil {
		return nil, err
	}
	if inUse > 0 {
		return nil, &core.ConflictError{Reason: "doses in use; cannot change the scheme"}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM doses WHERE vaccine_id = ?`, vaccineID); err != nil {
		return nil, mapDriverError(err)
	}

	out := make([]core.Dose, 0, len(doses))
	for _, d := range doses {
		d.VaccineID = vaccineID
		res, err := q.ExecContext(ctx,
			`INSERT INTO doses (vaccine_id, number, interval_days) VALUES (?, ?, ?)`,
			d.VaccineID, d.Number, d.IntervalDays)
		if err != nil {
			return nil, mapDriverError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		d.ID = core.DoseID(id)
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) ApplicationCountForVaccine(ctx context.Context, vaccineID core.VaccineID) (int, error) {
	return applicationCountForVaccine(ctx, s.db, vaccineID)
}

func applicationCountForVaccine(ctx context.Context, q querier, vaccineID core.VaccineID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(*)
		FROM applications a
		JOIN doses d ON d.id = a.dose_id
		WHERE d.vaccine_id = ?`, vaccineID)
	if err != nil {
		return 0, mapDriverError(err)
	}
	return n, nil
}

func (s *Store) GetLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	return getLot(ctx, s.db, id)
}

func getLot(ctx context.Context, q querier, id core.LotID) (*core.Lot, error) {
	var l core.Lot
	err := sqlx.GetContext(ctx, q, &l, `SELECT * FROM lots WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("lot", id, err)
	}
	return &l, nil
}

// LockLot outside a transaction degenerates to a plain read; the exclusive
// lock only makes sense with a transaction scope to hold it for.
func (s *Store) LockLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	return s.GetLot(ctx, id)
}

func (s *Store) SetLotQuantity(ctx context.Context, id core.LotID, quantity int) error {
	return setLotQuantity(ctx, s.db, id, quantity)
}

func setLotQuantity(ctx context.Context, q querier, id core.LotID, quantity int) error {
	res, err := q.ExecContext(ctx, `UPDATE lots SET quantity = ? WHERE id = ?`, quantity, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "lot", ID: id}
	}
	return nil
}

func (s *Store) InsertApplication(ctx context.Context, app *core.Application) error {
	return insertApplication(ctx, s.db, app)
}

func insertApplication(ctx context.Context, q querier, app *core.Application) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO applications
			(patient_id, professional_id, admin_id, unit_id, dose_id, lot_id, applied_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		app.PatientID, app.ProfessionalID, app.AdminID, app.UnitID,
		app.DoseID, app.LotID, app.AppliedAt, app.Notes)
	if err != nil {
		return mapDriverError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	app.ID = core.ApplicationID(id)
	return nil
}

func (s *Store) GetApplication(ctx context.Context, id core.ApplicationID) (*core.Application, error) {
	return getApplication(ctx, s.db, id)
}

func getApplication(ctx context.Context, q querier, id core.ApplicationID) (*core.Application, error) {
	var app core.Application
	err := sqlx.GetContext(ctx, q, &app, `SELECT * FROM applications WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("application", id, err)
	}
	return &app, nil
}

func (s *Store) UpdateApplication(ctx context.Context, app core.Application) error {
	return updateApplication(ctx, s.db, app)
}

func updateApplication(ctx context.Context, q querier, app core.Application) error {
	res, err := q.ExecContext(ctx, `
		UPDATE applications
		SET patient_id = ?, professional_id = ?, admin_id = ?, unit_id = ?,
		    dose_id = ?, lot_id = ?, applied_at = ?, notes = ?
		WHERE id = ?`,
		app.PatientID, app.ProfessionalID, app.AdminID, app.UnitID,
		app.DoseID, app.LotID, app.AppliedAt, app.Notes, app.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "application", ID: app.ID}
	}
	return nil
}

func (s *Store) DeleteApplication(ctx context.Context, id core.ApplicationID) error {
	return deleteApplication(ctx, s.db, id)
}

func deleteApplication(ctx context.Context, q querier, id core.ApplicationID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "application", ID: id}
	}
	return nil
}

func (s *Store) UserExists(ctx context.Context, id core.UserID, role core.Role) (bool, error) {
	return userExists(ctx, s.db, id, role)
}

func userExists(ctx context.Context, q querier, id core.UserID, role core.Role) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM users WHERE id = ? AND role = ?`, id, role)
	if err != nil {
		return false, mapDriverError(err)
	}
	return n > 0, nil
}

func (s *Store) UnitExists(ctx context.Context, id core.UnitID) (bool, error) {
	return unitExists(ctx, s.db, id)
}

func unitExists(ctx context.Context, q querier, id core.UnitID) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM units WHERE id = ?`, id)
	if err != nil {
		return false, mapDriverError(err)
	}
	return n > 0, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside one database transaction. Per-lot locks taken via
// LockLot stay held until after commit or rollback, so a second writer on
// the same lot observes the committed quantity, never an intermediate one.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	view := &txStore{parent: s, held: make(map[core.LotID]func())}
	defer view.releaseLocks()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapDriverError(err)
	}
	defer tx.Rollback()
	view.tx = tx

	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapDriverError(err)
	}
	return nil
}

type txStore struct {
	parent *Store
	tx     *sqlx.Tx
	held   map[core.LotID]func()
}

func (t *txStore) releaseLocks() {
	for _, release := range t.held {
		release()
	}
	t.held = map[core.LotID]func(){}
}

func (t *txStore) LockLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	if _, held := t.held[id]; !held {
		release, err := t.parent.locks.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		t.held[id] = release
	}
	return getLot(ctx, t.tx, id)
}

func (t *txStore) SetLotQuantity(ctx context.Context, id core.LotID, quantity int) error {
	if _, held := t.held[id]; !held {
		return &core.ConflictError{Reason: "lot quantity written without holding its lock"}
	}
	return setLotQuantity(ctx, t.tx, id, quantity)
}

func (t *txStore) GetVaccine(ctx context.Context, id core.VaccineID) (*core.Vaccine, error) {
	return getVaccine(ctx, t.tx, id)
}

func (t *txStore) UpdateVaccine(ctx context.Context, v core.Vaccine) error {
	return updateVaccine(ctx, t.tx, v)
}

func (t *txStore) GetDose(ctx context.Context, id core.DoseID) (*core.Dose, error) {
	return getDose(ctx, t.tx, id)
}

func (t *txStore) GetDoseByNumber(ctx context.Context, vaccineID core.VaccineID, number int) (*core.Dose, error) {
	return getDoseByNumber(ctx, t.tx, vaccineID, number)
}

func (t *txStore) ListDoses(ctx context.Context, vaccineID core.VaccineID) ([]core.Dose, error) {
	return listDoses(ctx, t.tx, vaccineID)
}

func (t *txStore) ReplaceDoses(ctx context.Context, vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	return replaceDoses(ctx, t.tx, vaccineID, doses)
}

func (t *txStore) ApplicationCountForVaccine(ctx context.Context, vaccineID core.VaccineID) (int, error) {
	return applicationCountForVaccine(ctx, t.tx, vaccineID)
}

func (t *txStore) GetLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	return getLot(ctx, t.tx, id)
}

func (t *txStore) InsertApplication(ctx context.Context, app *core.Application) error {
	return insertApplication(ctx, t.tx, app)
}

func (t *txStore) GetApplication(ctx context.Context, id core.ApplicationID) (*core.Application, error) {
	return getApplication(ctx, t.tx, id)
}

func (t *txStore) UpdateApplication(ctx context.Context, app core.Application) error {
	return updateApplication(ctx, t.tx, app)
}

func (t *txStore) DeleteApplication(ctx context.Context, id core.ApplicationID) error {
	return deleteApplication(ctx, t.tx, id)
}

func (t *txStore) UserExists(ctx context.Context, id core.UserID, role core.Role) (bool, error) {
	return userExists(ctx, t.tx, id, role)
}

func (t *txStore) UnitExists(ctx context.Context, id core.UnitID) (bool, error) {
	return unitExists(ctx, t.tx, id)
}
