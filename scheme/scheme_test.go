package scheme_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxtrace/vaccine-engine/core"
	"github.com/vaxtrace/vaccine-engine/core/store"
	"github.com/vaxtrace/vaccine-engine/scheme"
)

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerateDoses_ThreeDoseScheme(t *testing.T) {
	doses := scheme.GenerateDoses(7, 3, 60)

	require.Len(t, doses, 3)
	for i, d := range doses {
		assert.Equal(t, core.VaccineID(7), d.VaccineID)
		assert.Equal(t, i+1, d.Number, "numbers are contiguous from 1")
	}
	assert.Equal(t, 0, doses[0].IntervalDays, "dose 1 has no lead interval")
	assert.Equal(t, 60, doses[1].IntervalDays)
	assert.Equal(t, 60, doses[2].IntervalDays)
}

func TestGenerateDoses_SingleDose(t *testing.T) {
	doses := scheme.GenerateDoses(1, 1, 30)
	require.Len(t, doses, 1)
	assert.Equal(t, 0, doses[0].IntervalDays)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, scheme.Validate(1, 0))
	assert.NoError(t, scheme.Validate(4, 90))

	err := scheme.Validate(0, 30)
	assert.ErrorIs(t, err, core.ErrValidation)

	err = scheme.Validate(2, -1)
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// SERVICE
// =============================================================================

func newSchemeFixture(t *testing.T) (*scheme.Service, *store.Memory, core.Vaccine) {
	t.Helper()
	mem := store.NewMemory()
	v := mem.AddVaccine(core.Vaccine{Name: "HPV", QuantityDoses: 2, IntervalDoses: 180})
	return scheme.NewService(mem), mem, v
}

func TestService_Create_PersistsDoses(t *testing.T) {
	svc, mem, v := newSchemeFixture(t)
	ctx := context.Background()

	doses, err := svc.Create(ctx, v)
	require.NoError(t, err)
	require.Len(t, doses, 2)
	assert.NotZero(t, doses[0].ID)

	stored, err := mem.ListDoses(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, doses, stored)
}

func TestService_Create_RejectsBadScheme(t *testing.T) {
	svc, mem, _ := newSchemeFixture(t)
	bad := mem.AddVaccine(core.Vaccine{Name: "Broken", QuantityDoses: 0})

	_, err := svc.Create(context.Background(), bad)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestService_Reconcile_NoChange_IsNoOp(t *testing.T) {
	// GIVEN: A vaccine whose doses are already generated
	// WHEN: Reconcile runs with the same scheme values
	// THEN: The existing dose rows come back untouched, IDs included

	svc, _, v := newSchemeFixture(t)
	ctx := context.Background()

	original, err := svc.Create(ctx, v)
	require.NoError(t, err)

	again, err := svc.Reconcile(ctx, v.ID, v.QuantityDoses, v.IntervalDoses)
	require.NoError(t, err)
	assert.Equal(t, original, again)
}

func TestService_Reconcile_RebuildsOnChange(t *testing.T) {
	svc, mem, v := newSchemeFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, v)
	require.NoError(t, err)

	doses, err := svc.Reconcile(ctx, v.ID, 3, 45)
	require.NoError(t, err)
	require.Len(t, doses, 3)
	assert.Equal(t, 45, doses[2].IntervalDays)

	updated, err := mem.GetVaccine(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.QuantityDoses)
	assert.Equal(t, 45, updated.IntervalDoses)
}

func TestService_Reconcile_InUse_Conflicts(t *testing.T) {
	// GIVEN: An application already references one of the doses
	// WHEN: Reconcile tries to change the scheme
	// THEN: ConflictError, and neither vaccine nor doses change

	svc, mem, v := newSchemeFixture(t)
	ctx := context.Background()

	doses, err := svc.Create(ctx, v)
	require.NoError(t, err)

	mem.AddUnit(core.Unit{ID: "u1", Name: "Central", Kind: "UBS"})
	app := &core.Application{
		PatientID: "p1", ProfessionalID: "pr1", AdminID: "a1",
		UnitID: "u1", DoseID: doses[0].ID, LotID: 1,
		AppliedAt: time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.InsertApplication(ctx, app))

	_, err = svc.Reconcile(ctx, v.ID, 3, 45)
	require.ErrorIs(t, err, core.ErrConflict)
	assert.False(t, core.IsRetryable(err), "scheme-in-use is not a transient conflict")

	unchanged, err := mem.GetVaccine(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged.QuantityDoses)

	kept, err := mem.ListDoses(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, doses, kept)
}

func TestService_Reconcile_UnknownVaccine(t *testing.T) {
	svc, _, _ := newSchemeFixture(t)
	_, err := svc.Reconcile(context.Background(), 999, 2, 30)
	assert.True(t, core.IsNotFound(err))
}
