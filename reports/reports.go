/*
Package reports builds aggregate views over the application history.

PURPOSE:
  Dashboards and coverage reporting: yearly totals, per-month and
  per-vaccine breakdowns, coverage percentages, and expiring-stock alerts.
  These are read-only views; nothing here mutates stock or history.

PRECISION:
  Percentages and averages use decimal arithmetic, not float64. A coverage
  figure shown to a health authority must round predictably.

SEE ALSO:
  - store/sqlite/directory.go: The Source implementation
  - core/store.go: ExpiryStore used for expiry alerts
*/
package reports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaxtrace/vaccine-engine/core"
)

// MonthCount is one month's application tally within a year.
type MonthCount struct {
	Month int `db:"month" json:"month"`
	Count int `db:"count" json:"count"`
}

// GroupCount tallies applications under one key (vaccine name, unit name).
type GroupCount struct {
	Key   string `db:"key" json:"key"`
	Count int    `db:"count" json:"count"`
}

// Source supplies the raw tallies a report is built from.
type Source interface {
	CountApplications(ctx context.Context, from, to time.Time) (int, error)
	CountDistinctPatients(ctx context.Context, from, to time.Time) (int, error)
	CountUsersByRole(ctx context.Context, role core.Role) (int, error)
	ApplicationsByMonth(ctx context.Context, year int) ([]MonthCount, error)
	ApplicationsByVaccine(ctx context.Context, from, to time.Time) ([]GroupCount, error)
	ApplicationsByUnit(ctx context.Context, from, to time.Time) ([]GroupCount, error)
}

// YearSummary is the dashboard view for one calendar year.
type YearSummary struct {
	Year              int             `json:"year"`
	TotalApplications int             `json:"total_applications"`
	DistinctPatients  int             `json:"distinct_patients"`
	RegisteredPatients int            `json:"registered_patients"`
	CoveragePercent   decimal.Decimal `json:"coverage_percent"`
	MonthlyAverage    decimal.Decimal `json:"monthly_average"`
	ByMonth           []MonthCount    `json:"by_month"`
	ByVaccine         []GroupCount    `json:"by_vaccine"`
	ByUnit            []GroupCount    `json:"by_unit"`

	// Headline figures derived from the breakdowns. Empty/zero when the
	// year has no applications.
	TopVaccine string `json:"top_vaccine,omitempty"`
	TopMonth   int    `json:"top_month,omitempty"`
}

// Builder assembles reports from a tally source and, for expiry alerts,
// the lot listing side of the store.
type Builder struct {
	src    Source
	expiry core.ExpiryStore
}

func NewBuilder(src Source, expiry core.ExpiryStore) *Builder {
	return &Builder{src: src, expiry: expiry}
}

// YearSummary computes the dashboard numbers for one calendar year (UTC).
// Coverage is distinct vaccinated patients over registered patients,
// as a percentage rounded to two places; zero registered patients yields
// zero coverage rather than a division error.
func (b *Builder) YearSummary(ctx context.Context, year int) (*YearSummary, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	total, err := b.src.CountApplications(ctx, from, to)
	if err != nil {
		return nil, err
	}
	patients, err := b.src.CountDistinctPatients(ctx, from, to)
	if err != nil {
		return nil, err
	}
	registered, err := b.src.CountUsersByRole(ctx, core.RolePatient)
	if err != nil {
		return nil, err
	}
	byMonth, err := b.src.ApplicationsByMonth(ctx, year)
	if err != nil {
		return nil, err
	}
	byVaccine, err := b.src.ApplicationsByVaccine(ctx, from, to)
	if err != nil {
		return nil, err
	}
	byUnit, err := b.src.ApplicationsByUnit(ctx, from, to)
	if err != nil {
		return nil, err
	}

	coverage := decimal.Zero
	if registered > 0 {
		coverage = decimal.NewFromInt(int64(patients)).
			Div(decimal.NewFromInt(int64(registered))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	average := decimal.NewFromInt(int64(total)).
		Div(decimal.NewFromInt(12)).
		Round(2)

	summary := &YearSummary{
		Year:               year,
		TotalApplications:  total,
		DistinctPatients:   patients,
		RegisteredPatients: registered,
		CoveragePercent:    coverage,
		MonthlyAverage:     average,
		ByMonth:            byMonth,
		ByVaccine:          byVaccine,
		ByUnit:             byUnit,
	}
	if len(byVaccine) > 0 {
		// ByVaccine arrives ordered by count descending.
		summary.TopVaccine = byVaccine[0].Key
	}
	best := 0
	for _, mc := range byMonth {
		if mc.Count > best {
			best = mc.Count
			summary.TopMonth = mc.Month
		}
	}
	return summary, nil
}

// ExpiringLots lists lots that still hold stock and expire within the
// window starting at asOf. Already-expired lots with leftover stock are
// included; they need disposal, not silence.
func (b *Builder) ExpiringLots(ctx context.Context, asOf time.Time, window time.Duration) ([]core.Lot, error) {
	lots, err := b.expiry.ListLotsExpiringBy(ctx, asOf.Add(window))
	if err != nil {
		return nil, err
	}
	out := make([]core.Lot, 0, len(lots))
	for _, l := range lots {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}
