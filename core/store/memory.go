// Package store provides an in-memory core.TxStore implementation.
//
// The memory store exists for tests and local experiments. It honors the
// same contracts as the production SQLite store: per-lot exclusive locks
// held for the duration of a transaction, and full rollback of every
// mutation when the transaction function returns an error. Transactions
// against different lots run in parallel; only the final commit is applied
// under the store-wide mutex.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaxtrace/vaccine-engine/core"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	vaccines     map[core.VaccineID]core.Vaccine
	doses        map[core.DoseID]core.Dose
	lots         map[core.LotID]core.Lot
	applications map[core.ApplicationID]core.Application
	users        map[core.UserID]core.User
	units        map[core.UnitID]core.Unit

	lotLocks *core.LotLocks

	nextVaccine int64
	nextDose    int64
	nextLot     int64
	nextApp     int64
}

func NewMemory() *Memory {
	return &Memory{
		vaccines:     make(map[core.VaccineID]core.Vaccine),
		doses:        make(map[core.DoseID]core.Dose),
		lots:         make(map[core.LotID]core.Lot),
		applications: make(map[core.ApplicationID]core.Application),
		users:        make(map[core.UserID]core.User),
		units:        make(map[core.UnitID]core.Unit),
		lotLocks:     core.NewLotLocks(),
	}
}

// =============================================================================
// SEEDING HELPERS - Direct writes for test setup
// =============================================================================

func (m *Memory) AddVaccine(v core.Vaccine) core.Vaccine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == 0 {
		v.ID = core.VaccineID(atomic.AddInt64(&m.nextVaccine, 1))
	}
	m.vaccines[v.ID] = v
	return v
}

func (m *Memory) AddDose(d core.Dose) core.Dose {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		d.ID = core.DoseID(atomic.AddInt64(&m.nextDose, 1))
	}
	m.doses[d.ID] = d
	return d
}

func (m *Memory) AddLot(l core.Lot) core.Lot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		l.ID = core.LotID(atomic.AddInt64(&m.nextLot, 1))
	}
	m.lots[l.ID] = l
	return l
}

func (m *Memory) AddUser(u core.User) core.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return u
}

func (m *Memory) AddUnit(u core.Unit) core.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return u
}

// =============================================================================
// STORE INTERFACE (autocommit reads/writes)
// =============================================================================

func (m *Memory) GetVaccine(_ context.Context, id core.VaccineID) (*core.Vaccine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaccines[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "vaccine", ID: id}
	}
	return &v, nil
}

func (m *Memory) UpdateVaccine(_ context.Context, v core.Vaccine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaccines[v.ID]; !ok {
		return &core.NotFoundError{Kind: "vaccine", ID: v.ID}
	}
	m.vaccines[v.ID] = v
	return nil
}

func (m *Memory) GetDose(_ context.Context, id core.DoseID) (*core.Dose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doses[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "dose", ID: id}
	}
	return &d, nil
}

func (m *Memory) GetDoseByNumber(_ context.Context, vaccineID core.VaccineID, number int) (*core.Dose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.doses {
		if d.VaccineID == vaccineID && d.Number == number {
			d := d
			return &d, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "dose", ID: number}
}

func (m *Memory) ListDoses(_ context.Context, vaccineID core.VaccineID) ([]core.Dose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDosesLocked(vaccineID), nil
}

func (m *Memory) listDosesLocked(vaccineID core.VaccineID) []core.Dose {
	var out []core.Dose
	for _, d := range m.doses {
		if d.VaccineID == vaccineID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (m *Memory) ReplaceDoses(_ context.Context, vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceDosesLocked(vaccineID, doses)
}

func (m *Memory) replaceDosesLocked(vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	if n := m.applicationCountLocked(vaccineID); n > 0 {
		return nil, &core.ConflictError{Reason: "doses in use; cannot change the scheme"}
	}
	for id, d := range m.doses {
		if d.VaccineID == vaccineID {
			delete(m.doses, id)
		}
	}
	out := make([]core.Dose, 0, len(doses))
	for _, d := range doses {
		d.VaccineID = vaccineID
		d.ID = core.DoseID(atomic.AddInt64(&m.nextDose, 1))
		m.doses[d.ID] = d
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) ApplicationCountForVaccine(_ context.Context, vaccineID core.VaccineID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applicationCountLocked(vaccineID), nil
}

func (m *Memory) applicationCountLocked(vaccineID core.VaccineID) int {
	count := 0
	for _, app := range m.applications {
		if d, ok := m.doses[app.DoseID]; ok && d.VaccineID == vaccineID {
			count++
		}
	}
	return count
}

func (m *Memory) GetLot(_ context.Context, id core.LotID) (*core.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lots[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "lot", ID: id}
	}
	return &l, nil
}

// LockLot outside a transaction degenerates to a plain read: there is no
// transaction scope to hold the lock for.
func (m *Memory) LockLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	return m.GetLot(ctx, id)
}

func (m *Memory) SetLotQuantity(_ context.Context, id core.LotID, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return &core.NotFoundError{Kind: "lot", ID: id}
	}
	l.Quantity = quantity
	m.lots[id] = l
	return nil
}

func (m *Memory) InsertApplication(_ context.Context, app *core.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app.ID = core.ApplicationID(atomic.AddInt64(&m.nextApp, 1))
	m.applications[app.ID] = *app
	return nil
}

func (m *Memory) GetApplication(_ context.Context, id core.ApplicationID) (*core.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.applications[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "application", ID: id}
	}
	return &app, nil
}

func (m *Memory) UpdateApplication(_ context.Context, app core.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applications[app.ID]; !ok {
		return &core.NotFoundError{Kind: "application", ID: app.ID}
	}
	m.applications[app.ID] = app
	return nil
}

func (m *Memory) DeleteApplication(_ context.Context, id core.ApplicationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applications[id]; !ok {
		return &core.NotFoundError{Kind: "application", ID: id}
	}
	delete(m.applications, id)
	return nil
}

func (m *Memory) UserExists(_ context.Context, id core.UserID, role core.Role) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return ok && u.Role == role, nil
}

func (m *Memory) UnitExists(_ context.Context, id core.UnitID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.units[id]
	return ok, nil
}

func (m *Memory) ListLotsExpiringBy(_ context.Context, by time.Time) ([]core.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Lot
	for _, l := range m.lots {
		if !l.ExpiresAt.After(by) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// =============================================================================
// TRANSACTIONS
//
// A transaction view buffers every mutation and applies the whole set under
// the store mutex at commit. Per-lot locks acquired via LockLot are held by
// the view and released when WithTx returns, commit or rollback alike. Two
// transactions touching disjoint lots therefore interleave freely; two
// touching the same lot serialize on its lock.
// =============================================================================

func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	view := &txView{
		Memory: m,
		held:   make(map[core.LotID]func()),
		lotQty: make(map[core.LotID]int),
	}
	defer view.releaseLocks()

	if err := fn(view); err != nil {
		return err
	}
	view.commit()
	return nil
}

type txView struct {
	*Memory

	held map[core.LotID]func()

	// Buffered writes, applied at commit.
	lotQty       map[core.LotID]int
	inserted     []core.Application
	updatedApps  []core.Application
	deletedApps  []core.ApplicationID
	updatedVacs  []core.Vaccine
	replacedDose *dosesReplacement
}

type dosesReplacement struct {
	vaccineID core.VaccineID
	doses     []core.Dose
}

func (v *txView) releaseLocks() {
	for _, release := range v.held {
		release()
	}
	v.held = make(map[core.LotID]func())
}

func (v *txView) commit() {
	v.Memory.mu.Lock()
	defer v.Memory.mu.Unlock()

	for id, qty := range v.lotQty {
		l := v.Memory.lots[id]
		l.Quantity = qty
		v.Memory.lots[id] = l
	}
	for _, app := range v.inserted {
		v.Memory.applications[app.ID] = app
	}
	for _, app := range v.updatedApps {
		v.Memory.applications[app.ID] = app
	}
	for _, id := range v.deletedApps {
		delete(v.Memory.applications, id)
	}
	for _, vac := range v.updatedVacs {
		v.Memory.vaccines[vac.ID] = vac
	}
	if r := v.replacedDose; r != nil {
		for id, d := range v.Memory.doses {
			if d.VaccineID == r.vaccineID {
				delete(v.Memory.doses, id)
			}
		}
		for _, d := range r.doses {
			v.Memory.doses[d.ID] = d
		}
	}
}

// LockLot acquires the per-lot exclusive lock for the rest of the
// transaction and returns the committed row plus any buffered change.
func (v *txView) LockLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	if _, held := v.held[id]; !held {
		release, err := v.Memory.lotLocks.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		v.held[id] = release
	}

	lot, err := v.Memory.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	if qty, ok := v.lotQty[id]; ok {
		lot.Quantity = qty
	}
	return lot, nil
}

func (v *txView) GetLot(ctx context.Context, id core.LotID) (*core.Lot, error) {
	lot, err := v.Memory.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	if qty, ok := v.lotQty[id]; ok {
		lot.Quantity = qty
	}
	return lot, nil
}

func (v *txView) SetLotQuantity(_ context.Context, id core.LotID, quantity int) error {
	if _, held := v.held[id]; !held {
		return &core.ConflictError{Reason: "lot quantity written without holding its lock"}
	}
	v.lotQty[id] = quantity
	return nil
}

func (v *txView) InsertApplication(_ context.Context, app *core.Application) error {
	app.ID = core.ApplicationID(atomic.AddInt64(&v.Memory.nextApp, 1))
	v.inserted = append(v.inserted, *app)
	return nil
}

func (v *txView) GetApplication(ctx context.Context, id core.ApplicationID) (*core.Application, error) {
	for _, app := range v.inserted {
		if app.ID == id {
			app := app
			return &app, nil
		}
	}
	return v.Memory.GetApplication(ctx, id)
}

func (v *txView) UpdateApplication(ctx context.Context, app core.Application) error {
	if _, err := v.GetApplication(ctx, app.ID); err != nil {
		return err
	}
	v.updatedApps = append(v.updatedApps, app)
	return nil
}

func (v *txView) DeleteApplication(ctx context.Context, id core.ApplicationID) error {
	if _, err := v.GetApplication(ctx, id); err != nil {
		return err
	}
	v.deletedApps = append(v.deletedApps, id)
	return nil
}

func (v *txView) UpdateVaccine(ctx context.Context, vac core.Vaccine) error {
	if _, err := v.Memory.GetVaccine(ctx, vac.ID); err != nil {
		return err
	}
	v.updatedVacs = append(v.updatedVacs, vac)
	return nil
}

func (v *txView) ReplaceDoses(_ context.Context, vaccineID core.VaccineID, doses []core.Dose) ([]core.Dose, error) {
	v.Memory.mu.RLock()
	inUse := v.Memory.applicationCountLocked(vaccineID)
	v.Memory.mu.RUnlock()
	if inUse > 0 {
		return nil, &core.ConflictError{Reason: "doses in use; cannot change the scheme"}
	}

	out := make([]core.Dose, 0, len(doses))
	for _, d := range doses {
		d.VaccineID = vaccineID
		d.ID = core.DoseID(atomic.AddInt64(&v.Memory.nextDose, 1))
		out = append(out, d)
	}
	v.replacedDose = &dosesReplacement{vaccineID: vaccineID, doses: out}
	return out, nil
}

func (v *txView) ListDoses(ctx context.Context, vaccineID core.VaccineID) ([]core.Dose, error) {
	if r := v.replacedDose; r != nil && r.vaccineID == vaccineID {
		return append([]core.Dose(nil), r.doses...), nil
	}
	return v.Memory.ListDoses(ctx, vaccineID)
}
