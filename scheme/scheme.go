/*
Package scheme keeps a vaccine's dose set consistent with its declared
schedule.

PURPOSE:
  A vaccine declares a scheme: N doses with a fixed interval of I days
  between consecutive doses after the first. This package generates the
  dose rows for a new vaccine and regenerates them when the scheme changes.

INVARIANT:
  For a given vaccine, dose numbers form a contiguous 1..N sequence with no
  gaps or duplicates. Dose 1 always has interval 0; doses 2..N carry I.

REGENERATION:
  Changing a scheme is a destructive bulk replace: every existing dose row
  is dropped and the set is rebuilt from scratch under one transaction.
  There is no in-place diffing - numbering is always recomputed. If any
  existing dose is referenced by a committed application the change is
  rejected with a ConflictError ("doses in use"), never a bare database
  error, and nothing is touched.

SEE ALSO:
  - core/store.go: ReplaceDoses and ApplicationCountForVaccine
  - ledger/: Consumes dose rows when recording applications
*/
package scheme

import (
	"context"
	"fmt"

	"github.com/vaxtrace/vaccine-engine/core"
)

// =============================================================================
// DOSE GENERATION - Pure
// =============================================================================

// GenerateDoses builds the dose set for a scheme of n doses with interval
// days between consecutive doses. Dose 1 has interval 0. IDs are left unset
// for the store to assign.
func GenerateDoses(vaccineID core.VaccineID, n, interval int) []core.Dose {
	doses := make([]core.Dose, 0, n)
	for number := 1; number <= n; number++ {
		gap := interval
		if number == 1 {
			gap = 0
		}
		doses = append(doses, core.Dose{
			VaccineID:    vaccineID,
			Number:       number,
			IntervalDays: gap,
		})
	}
	return doses
}

// Validate checks a declared scheme without touching the store. Callers
// that insert the vaccine row themselves use this to fail early.
func Validate(quantityDoses, intervalDoses int) error {
	return validateScheme(quantityDoses, intervalDoses)
}

func validateScheme(quantityDoses, intervalDoses int) error {
	if quantityDoses < 1 {
		return &core.ValidationError{Field: "quantity_doses", Reason: "must be at least 1"}
	}
	if intervalDoses < 0 {
		return &core.ValidationError{Field: "interval_doses", Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// SERVICE
// =============================================================================

// Service creates and reconciles dose schedules against the store.
type Service struct {
	store core.TxStore
}

func NewService(store core.TxStore) *Service {
	return &Service{store: store}
}

// Create generates the dose rows for a freshly registered vaccine.
// Fails with a ValidationError before touching the store if the declared
// scheme is malformed.
func (s *Service) Create(ctx context.Context, v core.Vaccine) ([]core.Dose, error) {
	if err := validateScheme(v.QuantityDoses, v.IntervalDoses); err != nil {
		return nil, err
	}

	var out []core.Dose
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		doses, err := tx.ReplaceDoses(ctx, v.ID, GenerateDoses(v.ID, v.QuantityDoses, v.IntervalDoses))
		if err != nil {
			return fmt.Errorf("generate doses for vaccine %d: %w", v.ID, err)
		}
		out = doses
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile applies a scheme change. When neither the dose count nor the
// interval changed this is a no-op and the existing doses are returned
// untouched. Otherwise every dose row is dropped and regenerated in one
// transaction, after verifying no committed application references the old
// set.
func (s *Service) Reconcile(ctx context.Context, vaccineID core.VaccineID, quantityDoses, intervalDoses int) ([]core.Dose, error) {
	if err := validateScheme(quantityDoses, intervalDoses); err != nil {
		return nil, err
	}

	var out []core.Dose
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		v, err := tx.GetVaccine(ctx, vaccineID)
		if err != nil {
			return err
		}

		if v.QuantityDoses == quantityDoses && v.IntervalDoses == intervalDoses {
			out, err = tx.ListDoses(ctx, vaccineID)
			return err
		}

		inUse, err := tx.ApplicationCountForVaccine(ctx, vaccineID)
		if err != nil {
			return fmt.Errorf("check scheme usage for vaccine %d: %w", vaccineID, err)
		}
		if inUse > 0 {
			return &core.ConflictError{Reason: "doses in use; cannot change the scheme"}
		}

		v.QuantityDoses = quantityDoses
		v.IntervalDoses = intervalDoses
		if err := tx.UpdateVaccine(ctx, *v); err != nil {
			return err
		}

		out, err = tx.ReplaceDoses(ctx, vaccineID, GenerateDoses(vaccineID, quantityDoses, intervalDoses))
		if err != nil {
			return fmt.Errorf("regenerate doses for vaccine %d: %w", vaccineID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
