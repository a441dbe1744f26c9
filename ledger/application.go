/*
application.go - Orchestration of administration events

PURPOSE:
  The ApplicationLedger is the single entry point for creating, correcting
  and reversing administration events. It guarantees two things no caller
  can break:

    1. dose.VaccineID == lot.VaccineID on every committed application
    2. the event record and the lot's stock bookkeeping commit together

TRANSITIONS:
  Create:  unit exists -> reserve lot -> dose/lot coherence -> actors
           exist -> insert row -> commit
  Update:  load -> re-balance old/new lots if the lot changed -> re-check
           coherence -> re-validate references -> write row -> commit
  Delete:  release lot -> delete row -> commit (reversal)

  Any failure after a stock mutation unwinds the entire transaction, so a
  reserved unit is never lost and a released one never double-counted.

SEE ALSO:
  - lot.go: ReserveOne / ReleaseOne
  - core/errors.go: The taxonomy these paths return
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/vaxtrace/vaccine-engine/core"
)

// =============================================================================
// INPUT
// =============================================================================

// ApplicationInput carries the caller-supplied fields of an administration
// event. AppliedAt nil means "now".
type ApplicationInput struct {
	PatientID      core.UserID
	ProfessionalID core.UserID
	AdminID        core.UserID
	UnitID         core.UnitID
	DoseID         core.DoseID
	LotID          core.LotID
	AppliedAt      *time.Time
	Notes          string
}

// =============================================================================
// APPLICATION LEDGER
// =============================================================================

type ApplicationLedger struct {
	store core.TxStore
	lots  LotLedger

	// Now supplies the effective date when the caller omits one.
	// Overridable in tests.
	Now func() time.Time
}

func NewApplicationLedger(store core.TxStore) *ApplicationLedger {
	return &ApplicationLedger{
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create records one administration event and decrements the named lot by
// one unit, as a single transaction. See the package comment for the
// guarded transition order.
func (al *ApplicationLedger) Create(ctx context.Context, in ApplicationInput) (*core.Application, error) {
	appliedAt := al.effectiveDate(in.AppliedAt)

	var app *core.Application
	err := al.store.WithTx(ctx, func(tx core.Store) error {
		if err := requireUnit(ctx, tx, in.UnitID); err != nil {
			return err
		}

		lot, err := al.lots.ReserveOne(ctx, tx, in.LotID, appliedAt)
		if err != nil {
			return err
		}

		dose, err := tx.GetDose(ctx, in.DoseID)
		if err != nil {
			return err
		}
		if dose.VaccineID != lot.VaccineID {
			return &core.SchemeMismatchError{
				DoseID:        dose.ID,
				DoseVaccineID: dose.VaccineID,
				LotID:         lot.ID,
				LotVaccineID:  lot.VaccineID,
			}
		}

		if err := requireActors(ctx, tx, in); err != nil {
			return err
		}

		app = &core.Application{
			PatientID:      in.PatientID,
			ProfessionalID: in.ProfessionalID,
			AdminID:        in.AdminID,
			UnitID:         in.UnitID,
			DoseID:         in.DoseID,
			LotID:          in.LotID,
			AppliedAt:      appliedAt,
			Notes:          in.Notes,
		}
		if err := tx.InsertApplication(ctx, app); err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Update corrects an existing event. If the lot reference changed, the old
// lot gets its unit back and one is reserved from the new lot; if the dose
// or lot changed, dose/lot coherence is re-checked. A failure at any point
// rolls the whole operation back, leaving the original quantities intact.
func (al *ApplicationLedger) Update(ctx context.Context, id core.ApplicationID, in ApplicationInput) (*core.Application, error) {
	var updated *core.Application
	err := al.store.WithTx(ctx, func(tx core.Store) error {
		existing, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}

		appliedAt := existing.AppliedAt
		if in.AppliedAt != nil {
			appliedAt = in.AppliedAt.UTC()
		}

		if err := requireUnit(ctx, tx, in.UnitID); err != nil {
			return err
		}

		var lot *core.Lot
		if in.LotID != existing.LotID {
			if _, err := al.lots.ReleaseOne(ctx, tx, existing.LotID); err != nil {
				return err
			}
			lot, err = al.lots.ReserveOne(ctx, tx, in.LotID, appliedAt)
			if err != nil {
				return err
			}
		} else {
			lot, err = tx.GetLot(ctx, in.LotID)
			if err != nil {
				return err
			}
		}

		dose, err := tx.GetDose(ctx, in.DoseID)
		if err != nil {
			return err
		}
		if dose.VaccineID != lot.VaccineID {
			return &core.SchemeMismatchError{
				DoseID:        dose.ID,
				DoseVaccineID: dose.VaccineID,
				LotID:         lot.ID,
				LotVaccineID:  lot.VaccineID,
			}
		}

		if err := requireActors(ctx, tx, in); err != nil {
			return err
		}

		next := core.Application{
			ID:             existing.ID,
			PatientID:      in.PatientID,
			ProfessionalID: in.ProfessionalID,
			AdminID:        in.AdminID,
			UnitID:         in.UnitID,
			DoseID:         in.DoseID,
			LotID:          in.LotID,
			AppliedAt:      appliedAt,
			Notes:          in.Notes,
		}
		if err := tx.UpdateApplication(ctx, next); err != nil {
			return fmt.Errorf("update application %d: %w", id, err)
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete reverses an event: the referenced lot gets its unit back and the
// row is removed, as one transaction. This is the only supported correction
// for an application recorded against the wrong lot entirely; partial
// corrections go through Update.
func (al *ApplicationLedger) Delete(ctx context.Context, id core.ApplicationID) error {
	return al.store.WithTx(ctx, func(tx core.Store) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if _, err := al.lots.ReleaseOne(ctx, tx, app.LotID); err != nil {
			return err
		}
		if err := tx.DeleteApplication(ctx, id); err != nil {
			return fmt.Errorf("delete application %d: %w", id, err)
		}
		return nil
	})
}

// Get loads a committed application.
func (al *ApplicationLedger) Get(ctx context.Context, id core.ApplicationID) (*core.Application, error) {
	return al.store.GetApplication(ctx, id)
}

func (al *ApplicationLedger) effectiveDate(at *time.Time) time.Time {
	if at != nil {
		return at.UTC()
	}
	return al.Now()
}

// =============================================================================
// REFERENCE CHECKS
// =============================================================================

func requireUnit(ctx context.Context, tx core.Store, id core.UnitID) error {
	ok, err := tx.UnitExists(ctx, id)
	if err != nil {
		return fmt.Errorf("check unit %s: %w", id, err)
	}
	if !ok {
		return &core.NotFoundError{Kind: "unit", ID: id}
	}
	return nil
}

func requireActors(ctx context.Context, tx core.Store, in ApplicationInput) error {
	actors := []struct {
		id   core.UserID
		role core.Role
		kind string
	}{
		{in.PatientID, core.RolePatient, "patient"},
		{in.ProfessionalID, core.RoleProfessional, "professional"},
		{in.AdminID, core.RoleAdmin, "admin"},
	}
	for _, a := range actors {
		ok, err := tx.UserExists(ctx, a.id, a.role)
		if err != nil {
			return fmt.Errorf("check %s %s: %w", a.kind, a.id, err)
		}
		if !ok {
			return &core.NotFoundError{Kind: a.kind, ID: a.id}
		}
	}
	return nil
}
