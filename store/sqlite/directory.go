/*
Directory CRUD and reporting queries.

PURPOSE:
  Everything the API layer needs beyond the transactional core: users,
  health units, suppliers, manufacturers, stock locations, lot and vaccine
  management, campaigns with their vaccine publications, and the tally
  queries behind the reports package.

  These paths are plain autocommit reads and writes. Anything that touches
  lot quantities or application history goes through the ledgers and
  WithTx instead.
*/
package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vaxtrace/vaccine-engine/core"
	"github.com/vaxtrace/vaccine-engine/reports"
)

// =============================================================================
// USERS
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u core.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, cpf, password_hash, role, education)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, core.NormalizeEmail(u.Email), u.Phone, u.CPF,
		u.PasswordHash, u.Role, u.Education)
	return mapDriverError(err)
}

func (s *Store) GetUser(ctx context.Context, id core.UserID) (*core.User, error) {
	var u core.User
	err := sqlx.GetContext(ctx, s.db, &u, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("user", id, err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	email = core.NormalizeEmail(email)
	var u core.User
	err := sqlx.GetContext(ctx, s.db, &u, `SELECT * FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, mapError("user", email, err)
	}
	return &u, nil
}

func (s *Store) ListUsersByRole(ctx context.Context, role core.Role) ([]core.User, error) {
	var users []core.User
	err := sqlx.SelectContext(ctx, s.db, &users,
		`SELECT * FROM users WHERE role = ? ORDER BY name`, role)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, u core.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET name = ?, email = ?, phone = ?, cpf = ?, password_hash = ?, education = ?
		WHERE id = ?`,
		u.Name, core.NormalizeEmail(u.Email), u.Phone, u.CPF,
		u.PasswordHash, u.Education, u.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "user", ID: u.ID}
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id core.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "user", ID: id}
	}
	return nil
}

// =============================================================================
// UNITS
// =============================================================================

func (s *Store) CreateUnit(ctx context.Context, u core.Unit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, name, kind, street, district, city, state, number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Kind, u.Street, u.District, u.City, u.State, u.Number)
	return mapDriverError(err)
}

func (s *Store) GetUnit(ctx context.Context, id core.UnitID) (*core.Unit, error) {
	var u core.Unit
	err := sqlx.GetContext(ctx, s.db, &u, `SELECT * FROM units WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("unit", id, err)
	}
	return &u, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]core.Unit, error) {
	var units []core.Unit
	err := sqlx.SelectContext(ctx, s.db, &units, `SELECT * FROM units ORDER BY name`)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return units, nil
}

func (s *Store) UpdateUnit(ctx context.Context, u core.Unit) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE units
		SET name = ?, kind = ?, street = ?, district = ?, city = ?, state = ?, number = ?
		WHERE id = ?`,
		u.Name, u.Kind, u.Street, u.District, u.City, u.State, u.Number, u.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "unit", ID: u.ID}
	}
	return nil
}

func (s *Store) DeleteUnit(ctx context.Context, id core.UnitID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "unit", ID: id}
	}
	return nil
}

// =============================================================================
// SUPPLIERS & MANUFACTURERS
// =============================================================================

func (s *Store) CreateSupplier(ctx context.Context, sp core.Supplier) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppliers (cnpj, name, phone) VALUES (?, ?, ?)`,
		sp.CNPJ, sp.Name, sp.Phone)
	return mapDriverError(err)
}

func (s *Store) GetSupplier(ctx context.Context, cnpj core.CNPJ) (*core.Supplier, error) {
	var sp core.Supplier
	err := sqlx.GetContext(ctx, s.db, &sp, `SELECT * FROM suppliers WHERE cnpj = ?`, cnpj)
	if err != nil {
		return nil, mapError("supplier", cnpj, err)
	}
	return &sp, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]core.Supplier, error) {
	var out []core.Supplier
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT * FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, cnpj core.CNPJ) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suppliers WHERE cnpj = ?`, cnpj)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "supplier", ID: cnpj}
	}
	return nil
}

func (s *Store) CreateManufacturer(ctx context.Context, m core.Manufacturer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manufacturers (cnpj, name, phone) VALUES (?, ?, ?)`,
		m.CNPJ, m.Name, m.Phone)
	return mapDriverError(err)
}

func (s *Store) GetManufacturer(ctx context.Context, cnpj core.CNPJ) (*core.Manufacturer, error) {
	var m core.Manufacturer
	err := sqlx.GetContext(ctx, s.db, &m, `SELECT * FROM manufacturers WHERE cnpj = ?`, cnpj)
	if err != nil {
		return nil, mapError("manufacturer", cnpj, err)
	}
	return &m, nil
}

func (s *Store) ListManufacturers(ctx context.Context) ([]core.Manufacturer, error) {
	var out []core.Manufacturer
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT * FROM manufacturers ORDER BY name`)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) DeleteManufacturer(ctx context.Context, cnpj core.CNPJ) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM manufacturers WHERE cnpj = ?`, cnpj)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "manufacturer", ID: cnpj}
	}
	return nil
}

// =============================================================================
// STOCK LOCATIONS
// =============================================================================

func (s *Store) CreateStock(ctx context.Context, st *core.Stock) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stocks (unit_id, manager_id) VALUES (?, ?)`,
		st.UnitID, st.ManagerID)
	if err != nil {
		return mapDriverError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	st.ID = core.StockID(id)
	return nil
}

func (s *Store) GetStock(ctx context.Context, id core.StockID) (*core.Stock, error) {
	var st core.Stock
	err := sqlx.GetContext(ctx, s.db, &st, `SELECT * FROM stocks WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("stock", id, err)
	}
	return &st, nil
}

func (s *Store) ListStocks(ctx context.Context) ([]core.Stock, error) {
	var out []core.Stock
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT * FROM stocks ORDER BY id`)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) DeleteStock(ctx context.Context, id core.StockID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stocks WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "stock", ID: id}
	}
	return nil
}

// =============================================================================
// VACCINES & LOTS (management surface; quantity changes go via the ledger)
// =============================================================================

func (s *Store) CreateVaccine(ctx context.Context, v *core.Vaccine) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vaccines
			(name, disease, target_group, description, manufacturer_cnpj, quantity_doses, interval_doses)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.Name, v.Disease, v.TargetGroup, v.Description,
		v.ManufacturerCNPJ, v.QuantityDoses, v.IntervalDoses)
	if err != nil {
		return mapDriverError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	v.ID = core.VaccineID(id)
	return nil
}

func (s *Store) ListVaccines(ctx context.Context) ([]core.Vaccine, error) {
	var out []core.Vaccine
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT * FROM vaccines ORDER BY name`)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

// DeleteVaccine relies on the RESTRICT constraint from lots: a vaccine with
// stock on the shelf cannot disappear. Doses cascade.
func (s *Store) DeleteVaccine(ctx context.Context, id core.VaccineID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vaccines WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "vaccine", ID: id}
	}
	return nil
}

func (s *Store) CreateLot(ctx context.Context, l *core.Lot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lots
			(code, vaccine_id, supplier_cnpj, stock_id, expires_at, arrived_at, quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.Code, l.VaccineID, l.SupplierCNPJ, l.StockID, l.ExpiresAt, l.ArrivedAt, l.Quantity)
	if err != nil {
		return mapDriverError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = core.LotID(id)
	return nil
}

// UpdateLot changes descriptive lot fields. Quantity is deliberately not
// touched here; only the lot ledger mutates it.
func (s *Store) UpdateLot(ctx context.Context, l core.Lot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lots
		SET code = ?, supplier_cnpj = ?, stock_id = ?, expires_at = ?, arrived_at = ?
		WHERE id = ?`,
		l.Code, l.SupplierCNPJ, l.StockID, l.ExpiresAt, l.ArrivedAt, l.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "lot", ID: l.ID}
	}
	return nil
}

func (s *Store) DeleteLot(ctx context.Context, id core.LotID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "lot", ID: id}
	}
	return nil
}

func (s *Store) ListLots(ctx context.Context, vaccineID core.VaccineID) ([]core.Lot, error) {
	var out []core.Lot
	err := sqlx.SelectContext(ctx, s.db, &out,
		`SELECT * FROM lots WHERE vaccine_id = ? ORDER BY expires_at`, vaccineID)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

// ListLotsExpiringBy implements core.ExpiryStore.
func (s *Store) ListLotsExpiringBy(ctx context.Context, by time.Time) ([]core.Lot, error) {
	var out []core.Lot
	err := sqlx.SelectContext(ctx, s.db, &out,
		`SELECT * FROM lots WHERE expires_at <= ? ORDER BY expires_at`, by)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

// =============================================================================
// APPLICATION HISTORY (read side)
// =============================================================================

func (s *Store) ListApplicationsByPatient(ctx context.Context, patientID core.UserID) ([]core.Application, error) {
	var out []core.Application
	err := sqlx.SelectContext(ctx, s.db, &out,
		`SELECT * FROM applications WHERE patient_id = ? ORDER BY applied_at`, patientID)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) ListApplications(ctx context.Context, from, to time.Time) ([]core.Application, error) {
	var out []core.Application
	err := sqlx.SelectContext(ctx, s.db, &out,
		`SELECT * FROM applications WHERE applied_at >= ? AND applied_at < ? ORDER BY applied_at`,
		from, to)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func (s *Store) CreateCampaign(ctx context.Context, c *core.Campaign) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(name, starts_at, ends_at, target_group, description, active, admin_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.StartsAt, c.EndsAt, c.TargetGroup, c.Description, c.Active, c.AdminID)
	if err != nil {
		return mapDriverError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = core.CampaignID(id)
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id core.CampaignID) (*core.Campaign, error) {
	var c core.Campaign
	err := sqlx.GetContext(ctx, s.db, &c, `SELECT * FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("campaign", id, err)
	}
	return &c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, activeOnly bool) ([]core.Campaign, error) {
	query := `SELECT * FROM campaigns ORDER BY starts_at DESC`
	if activeOnly {
		query = `SELECT * FROM campaigns WHERE active ORDER BY starts_at DESC`
	}
	var out []core.Campaign
	if err := sqlx.SelectContext(ctx, s.db, &out, query); err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) UpdateCampaign(ctx context.Context, c core.Campaign) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET name = ?, starts_at = ?, ends_at = ?, target_group = ?, description = ?, active = ?
		WHERE id = ?`,
		c.Name, c.StartsAt, c.EndsAt, c.TargetGroup, c.Description, c.Active, c.ID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "campaign", ID: c.ID}
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id core.CampaignID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "campaign", ID: id}
	}
	return nil
}

func (s *Store) PublishVaccine(ctx context.Context, p core.Publication) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_publications (campaign_id, vaccine_id) VALUES (?, ?)`,
		p.CampaignID, p.VaccineID)
	return mapDriverError(err)
}

func (s *Store) UnpublishVaccine(ctx context.Context, p core.Publication) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaign_publications WHERE campaign_id = ? AND vaccine_id = ?`,
		p.CampaignID, p.VaccineID)
	if err != nil {
		return mapDriverError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "publication", ID: p.CampaignID}
	}
	return nil
}

func (s *Store) ListCampaignVaccines(ctx context.Context, id core.CampaignID) ([]core.Vaccine, error) {
	var out []core.Vaccine
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT v.*
		FROM vaccines v
		JOIN campaign_publications p ON p.vaccine_id = v.id
		WHERE p.campaign_id = ?
		ORDER BY v.name`, id)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

// =============================================================================
// REPORT TALLIES (reports.Source)
// =============================================================================

func (s *Store) CountApplications(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n,
		`SELECT COUNT(*) FROM applications WHERE applied_at >= ? AND applied_at < ?`, from, to)
	if err != nil {
		return 0, mapDriverError(err)
	}
	return n, nil
}

func (s *Store) CountDistinctPatients(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n,
		`SELECT COUNT(DISTINCT patient_id) FROM applications WHERE applied_at >= ? AND applied_at < ?`,
		from, to)
	if err != nil {
		return 0, mapDriverError(err)
	}
	return n, nil
}

func (s *Store) CountUsersByRole(ctx context.Context, role core.Role) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n, `SELECT COUNT(*) FROM users WHERE role = ?`, role)
	if err != nil {
		return 0, mapDriverError(err)
	}
	return n, nil
}

func (s *Store) ApplicationsByMonth(ctx context.Context, year int) ([]reports.MonthCount, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	var out []reports.MonthCount
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT CAST(strftime('%m', applied_at) AS INTEGER) AS month, COUNT(*) AS count
		FROM applications
		WHERE applied_at >= ? AND applied_at < ?
		GROUP BY month
		ORDER BY month`, from, to)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) ApplicationsByVaccine(ctx context.Context, from, to time.Time) ([]reports.GroupCount, error) {
	var out []reports.GroupCount
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT v.name AS key, COUNT(*) AS count
		FROM applications a
		JOIN doses d ON d.id = a.dose_id
		JOIN vaccines v ON v.id = d.vaccine_id
		WHERE a.applied_at >= ? AND a.applied_at < ?
		GROUP BY v.name
		ORDER BY count DESC, v.name`, from, to)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}

func (s *Store) ApplicationsByUnit(ctx context.Context, from, to time.Time) ([]reports.GroupCount, error) {
	var out []reports.GroupCount
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT u.name AS key, COUNT(*) AS count
		FROM applications a
		JOIN units u ON u.id = a.unit_id
		WHERE a.applied_at >= ? AND a.applied_at < ?
		GROUP BY u.name
		ORDER BY count DESC, u.name`, from, to)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return out, nil
}
