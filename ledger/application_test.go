package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxtrace/vaccine-engine/core"
	"github.com/vaxtrace/vaccine-engine/core/store"
	"github.com/vaxtrace/vaccine-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	mem     *store.Memory
	apps    *ledger.ApplicationLedger
	vaccine core.Vaccine
	dose1   core.Dose
	dose2   core.Dose
	lot     core.Lot
	unit    core.Unit

	patient      core.User
	professional core.User
	admin        core.User
}

// newFixture seeds one two-dose vaccine with a lot of 5 units expiring
// end of 2027, plus the three actors an application needs.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()

	f := &fixture{mem: mem, apps: ledger.NewApplicationLedger(mem)}
	f.apps.Now = func() time.Time {
		return time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	}

	f.vaccine = mem.AddVaccine(core.Vaccine{Name: "HepB", QuantityDoses: 2, IntervalDoses: 30})
	f.dose1 = mem.AddDose(core.Dose{VaccineID: f.vaccine.ID, Number: 1, IntervalDays: 0})
	f.dose2 = mem.AddDose(core.Dose{VaccineID: f.vaccine.ID, Number: 2, IntervalDays: 30})
	f.lot = mem.AddLot(core.Lot{
		Code:      "LOT-A",
		VaccineID: f.vaccine.ID,
		ExpiresAt: time.Date(2027, time.December, 31, 0, 0, 0, 0, time.UTC),
		ArrivedAt: time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC),
		Quantity:  5,
	})
	f.unit = mem.AddUnit(core.Unit{ID: "unit-1", Name: "Central", Kind: "UBS"})
	f.patient = mem.AddUser(core.User{ID: "pat-1", Name: "Ana", Role: core.RolePatient})
	f.professional = mem.AddUser(core.User{ID: "pro-1", Name: "Bruno", Role: core.RoleProfessional})
	f.admin = mem.AddUser(core.User{ID: "adm-1", Name: "Carla", Role: core.RoleAdmin})
	return f
}

func (f *fixture) input() ledger.ApplicationInput {
	return ledger.ApplicationInput{
		PatientID:      f.patient.ID,
		ProfessionalID: f.professional.ID,
		AdminID:        f.admin.ID,
		UnitID:         f.unit.ID,
		DoseID:         f.dose1.ID,
		LotID:          f.lot.ID,
	}
}

func (f *fixture) lotQuantity(t *testing.T) int {
	t.Helper()
	lot, err := f.mem.GetLot(context.Background(), f.lot.ID)
	require.NoError(t, err)
	return lot.Quantity
}

// =============================================================================
// CREATE
// =============================================================================

func TestApplicationLedger_Create_ReservesOneUnit(t *testing.T) {
	// GIVEN: A lot with 5 units
	// WHEN: An application is recorded against it
	// THEN: The record exists and the lot holds 4

	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)
	require.NotZero(t, app.ID)

	assert.Equal(t, 4, f.lotQuantity(t))
	assert.Equal(t, f.apps.Now(), app.AppliedAt, "omitted applied_at defaults to now")

	stored, err := f.mem.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, *app, *stored)
}

func TestApplicationLedger_Create_UsesProvidedDate(t *testing.T) {
	f := newFixture(t)

	at := time.Date(2026, time.March, 15, 9, 30, 0, 0, time.UTC)
	in := f.input()
	in.AppliedAt = &at

	app, err := f.apps.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, at, app.AppliedAt)
}

func TestApplicationLedger_Create_OutOfStock_Rejected(t *testing.T) {
	// GIVEN: A lot drained to zero
	// WHEN: Another application is attempted
	// THEN: OutOfStockError, no record, quantity stays zero

	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.apps.Create(ctx, f.input())
		require.NoError(t, err)
	}
	require.Equal(t, 0, f.lotQuantity(t))

	_, err := f.apps.Create(ctx, f.input())
	require.Error(t, err)

	var oos *core.OutOfStockError
	assert.ErrorAs(t, err, &oos)
	assert.Equal(t, f.lot.ID, oos.LotID)
	assert.ErrorIs(t, err, core.ErrOutOfStock)
	assert.Equal(t, 0, f.lotQuantity(t), "quantity never goes negative")
}

func TestApplicationLedger_Create_ExpiredLot_Rejected(t *testing.T) {
	// GIVEN: A lot that expired before the application date
	// WHEN: An application is attempted against it
	// THEN: ExpiredLotError and the quantity is untouched

	f := newFixture(t)
	ctx := context.Background()

	expired := f.mem.AddLot(core.Lot{
		Code:      "LOT-OLD",
		VaccineID: f.vaccine.ID,
		ExpiresAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		ArrivedAt: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		Quantity:  10,
	})

	in := f.input()
	in.LotID = expired.ID

	_, err := f.apps.Create(ctx, in)
	require.Error(t, err)

	var exp *core.ExpiredLotError
	assert.ErrorAs(t, err, &exp)
	assert.ErrorIs(t, err, core.ErrExpiredLot)

	lot, err := f.mem.GetLot(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, lot.Quantity)
}

func TestApplicationLedger_Create_ExpiryBoundary(t *testing.T) {
	// The boundary is strict: usable right up to the expiry instant,
	// rejected at the instant itself.

	f := newFixture(t)
	ctx := context.Background()
	expiry := f.lot.ExpiresAt

	atExpiry := f.input()
	atExpiry.AppliedAt = &expiry
	_, err := f.apps.Create(ctx, atExpiry)
	assert.ErrorIs(t, err, core.ErrExpiredLot, "application at the expiry instant is rejected")

	justBefore := expiry.Add(-time.Second)
	before := f.input()
	before.AppliedAt = &justBefore
	_, err = f.apps.Create(ctx, before)
	assert.NoError(t, err, "application strictly before expiry succeeds")
}

func TestApplicationLedger_Create_SchemeMismatch_RollsBack(t *testing.T) {
	// GIVEN: A dose belonging to a different vaccine than the lot
	// WHEN: An application is attempted
	// THEN: SchemeMismatchError and the reserved unit is rolled back

	f := newFixture(t)
	ctx := context.Background()

	other := f.mem.AddVaccine(core.Vaccine{Name: "Flu", QuantityDoses: 1})
	otherDose := f.mem.AddDose(core.Dose{VaccineID: other.ID, Number: 1})

	in := f.input()
	in.DoseID = otherDose.ID

	_, err := f.apps.Create(ctx, in)
	require.Error(t, err)

	var mismatch *core.SchemeMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, other.ID, mismatch.DoseVaccineID)
	assert.Equal(t, f.vaccine.ID, mismatch.LotVaccineID)

	assert.Equal(t, 5, f.lotQuantity(t), "rollback must restore the reserved unit")
}

func TestApplicationLedger_Create_UnknownReferences_RollBack(t *testing.T) {
	// Missing unit, wrong-role actor, unknown lot: each fails with a
	// not-found style error and leaves the stock untouched.

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(in *ledger.ApplicationInput)
	}{
		{"unknown unit", func(in *ledger.ApplicationInput) { in.UnitID = "nope" }},
		{"unknown lot", func(in *ledger.ApplicationInput) { in.LotID = 999 }},
		{"unknown dose", func(in *ledger.ApplicationInput) { in.DoseID = 999 }},
		{"unknown patient", func(in *ledger.ApplicationInput) { in.PatientID = "nope" }},
		{"professional with patient role", func(in *ledger.ApplicationInput) { in.ProfessionalID = f.patient.ID }},
		{"admin with manager role", func(in *ledger.ApplicationInput) { in.AdminID = "nope" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := f.input()
			tc.mutate(&in)

			_, err := f.apps.Create(ctx, in)
			require.Error(t, err)
			assert.True(t, core.IsNotFound(err), "expected not-found, got %v", err)
			assert.Equal(t, 5, f.lotQuantity(t))
		})
	}
}

// =============================================================================
// DELETE - Reversal
// =============================================================================

func TestApplicationLedger_Delete_RestoresUnit(t *testing.T) {
	// GIVEN: A recorded application
	// WHEN: It is deleted
	// THEN: The lot gets its unit back and the record is gone

	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)
	require.Equal(t, 4, f.lotQuantity(t))

	require.NoError(t, f.apps.Delete(ctx, app.ID))
	assert.Equal(t, 5, f.lotQuantity(t))

	_, err = f.mem.GetApplication(ctx, app.ID)
	assert.True(t, core.IsNotFound(err))

	err = f.apps.Delete(ctx, app.ID)
	assert.True(t, core.IsNotFound(err), "second delete finds nothing")
}

func TestApplicationLedger_Delete_ReleasesEvenWhenLotExpired(t *testing.T) {
	// A reversal restores the unit regardless of expiry; disposal of an
	// expired lot is a stock decision, not the ledger's.

	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)

	// Lot expires after the fact.
	lot := f.lot
	lot.ExpiresAt = time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	lot.Quantity = 4
	f.mem.AddLot(lot)

	require.NoError(t, f.apps.Delete(ctx, app.ID))
	assert.Equal(t, 5, f.lotQuantity(t))
}

func TestApplicationLedger_CreateDeleteRoundTrip_PreservesQuantity(t *testing.T) {
	// Repeated create/delete cycles leave the lot exactly where it started.

	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		app, err := f.apps.Create(ctx, f.input())
		require.NoError(t, err)
		require.NoError(t, f.apps.Delete(ctx, app.ID))
	}
	assert.Equal(t, 5, f.lotQuantity(t))
}

// =============================================================================
// UPDATE - Corrections
// =============================================================================

func TestApplicationLedger_Update_SameLot_KeepsQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)

	in := f.input()
	in.DoseID = f.dose2.ID
	in.Notes = "corrected dose number"

	updated, err := f.apps.Update(ctx, app.ID, in)
	require.NoError(t, err)
	assert.Equal(t, f.dose2.ID, updated.DoseID)
	assert.Equal(t, "corrected dose number", updated.Notes)
	assert.Equal(t, 4, f.lotQuantity(t), "no lot change means no quantity change")
}

func TestApplicationLedger_Update_LotChange_Rebalances(t *testing.T) {
	// GIVEN: An application recorded against lot A
	// WHEN: It is corrected to lot B
	// THEN: A gains its unit back and B loses one

	f := newFixture(t)
	ctx := context.Background()

	lotB := f.mem.AddLot(core.Lot{
		Code:      "LOT-B",
		VaccineID: f.vaccine.ID,
		ExpiresAt: f.lot.ExpiresAt,
		ArrivedAt: f.lot.ArrivedAt,
		Quantity:  3,
	})

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)
	require.Equal(t, 4, f.lotQuantity(t))

	in := f.input()
	in.LotID = lotB.ID
	_, err = f.apps.Update(ctx, app.ID, in)
	require.NoError(t, err)

	assert.Equal(t, 5, f.lotQuantity(t))
	b, err := f.mem.GetLot(ctx, lotB.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Quantity)
}

func TestApplicationLedger_Update_LotChangeToEmptyLot_RollsBack(t *testing.T) {
	// A failed rebalance must leave both lots exactly as they were.

	f := newFixture(t)
	ctx := context.Background()

	empty := f.mem.AddLot(core.Lot{
		Code:      "LOT-EMPTY",
		VaccineID: f.vaccine.ID,
		ExpiresAt: f.lot.ExpiresAt,
		ArrivedAt: f.lot.ArrivedAt,
		Quantity:  0,
	})

	app, err := f.apps.Create(ctx, f.input())
	require.NoError(t, err)
	require.Equal(t, 4, f.lotQuantity(t))

	in := f.input()
	in.LotID = empty.ID
	_, err = f.apps.Update(ctx, app.ID, in)
	assert.ErrorIs(t, err, core.ErrOutOfStock)

	assert.Equal(t, 4, f.lotQuantity(t), "original lot keeps its reservation")
	e, err := f.mem.GetLot(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Quantity)

	stored, err := f.mem.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, f.lot.ID, stored.LotID, "record still points at the original lot")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApplicationLedger_ConcurrentCreates_ExactlyStockMany(t *testing.T) {
	// GIVEN: A lot with 30 units and 40 concurrent applications
	// THEN: Exactly 30 succeed, 10 fail out-of-stock, quantity lands on 0

	f := newFixture(t)
	ctx := context.Background()

	lot := f.mem.AddLot(core.Lot{
		Code:      "LOT-BIG",
		VaccineID: f.vaccine.ID,
		ExpiresAt: f.lot.ExpiresAt,
		ArrivedAt: f.lot.ArrivedAt,
		Quantity:  30,
	})

	const attempts = 40
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := f.input()
			in.LotID = lot.ID
			_, errs[i] = f.apps.Create(ctx, in)
		}(i)
	}
	wg.Wait()

	succeeded, outOfStock := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case core.IsRetryable(err):
			t.Fatalf("lock wait must not time out here: %v", err)
		default:
			require.ErrorIs(t, err, core.ErrOutOfStock)
			outOfStock++
		}
	}
	assert.Equal(t, 30, succeeded)
	assert.Equal(t, 10, outOfStock)

	final, err := f.mem.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.Quantity)
}

func TestApplicationLedger_ConcurrentCreateDelete_Balances(t *testing.T) {
	// Interleaved creates and reversals across two lots must conserve
	// total stock: every success is later reversed.

	f := newFixture(t)
	ctx := context.Background()

	lotB := f.mem.AddLot(core.Lot{
		Code:      "LOT-B",
		VaccineID: f.vaccine.ID,
		ExpiresAt: f.lot.ExpiresAt,
		ArrivedAt: f.lot.ArrivedAt,
		Quantity:  5,
	})

	deleteErrs := make([]error, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := f.input()
			if i%2 == 0 {
				in.LotID = lotB.ID
			}
			app, err := f.apps.Create(ctx, in)
			if err != nil {
				return
			}
			deleteErrs[i] = f.apps.Delete(ctx, app.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range deleteErrs {
		require.NoError(t, err, "reversal %d", i)
	}

	assert.Equal(t, 5, f.lotQuantity(t))
	b, err := f.mem.GetLot(ctx, lotB.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Quantity)
}
