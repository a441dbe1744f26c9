/*
Package schedule computes forward-looking dose-due projections.

The projector is read-only: it consumes only committed applications and
dose definitions, so it needs no locking. Given an application it answers
"when is this patient due for the next dose of this vaccine", or reports
that the scheme is complete.
*/
package schedule

import (
	"context"
	"time"

	"github.com/vaxtrace/vaccine-engine/core"
)

// Projector resolves next-due dates from committed data.
type Projector struct {
	store core.Store
}

func NewProjector(store core.Store) *Projector {
	return &Projector{store: store}
}

// NextDue returns the due date of the dose following the one recorded in
// the application, or nil when no further dose is mandated. Two conditions
// mean "no further dose": the scheme has no dose with the next number, or
// the next dose's configured interval is 0.
func (p *Projector) NextDue(ctx context.Context, applicationID core.ApplicationID) (*time.Time, error) {
	app, err := p.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	dose, err := p.store.GetDose(ctx, app.DoseID)
	if err != nil {
		return nil, err
	}
	next, err := p.store.GetDoseByNumber(ctx, dose.VaccineID, dose.Number+1)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return NextDueAt(app.AppliedAt, *next), nil
}

// NextDueAt returns appliedAt + interval days, or nil when the interval is
// 0 (a dose with no mandated follow-up). Exposed for callers that already
// hold the rows, such as report builders.
func NextDueAt(appliedAt time.Time, next core.Dose) *time.Time {
	if next.IntervalDays <= 0 {
		return nil
	}
	due := appliedAt.AddDate(0, 0, next.IntervalDays)
	return &due
}
