/*
handlers_test.go - End-to-end tests over the HTTP surface

Drives the real router and sqlite store through httptest: auth, role
gating, the vaccine/lot/application flow, and the error-to-status mapping.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxtrace/vaccine-engine/api"
	"github.com/vaxtrace/vaccine-engine/core"
	"github.com/vaxtrace/vaccine-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type env struct {
	t            *testing.T
	srv          *httptest.Server
	store        *sqlite.Store
	adminToken   string
	patient      core.User
	professional core.User
	admin        core.User
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auth := api.NewAuth("test-secret", time.Hour)
	h := api.NewHandler(store, auth, 30*24*time.Hour)
	srv := httptest.NewServer(api.NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)

	e := &env{t: t, srv: srv, store: store}
	e.admin = e.seedUser("Root Admin", "admin@test.dev", core.RoleAdmin)
	e.patient = e.seedUser("Pat Patient", "pat@test.dev", core.RolePatient)
	e.professional = e.seedUser("Pro Nurse", "pro@test.dev", core.RoleProfessional)
	e.adminToken = e.login("admin@test.dev", "secret123")
	return e
}

func (e *env) seedUser(name, email string, role core.Role) core.User {
	e.t.Helper()
	hash, err := api.HashPassword("secret123")
	require.NoError(e.t, err)
	u := core.User{
		ID:           core.UserID(fmt.Sprintf("%s-%s", role, email)),
		Name:         name,
		Email:        email,
		CPF:          email, // unique filler
		PasswordHash: hash,
		Role:         role,
	}
	require.NoError(e.t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *env) login(email, password string) string {
	e.t.Helper()
	var out api.TokenResponse
	status := e.do(http.MethodPost, "/api/auth/login", "", api.LoginRequest{Email: email, Password: password}, &out)
	require.Equal(e.t, http.StatusOK, status)
	require.NotEmpty(e.t, out.Token)
	return out.Token
}

// do issues a request and decodes the response body into out (when non-nil).
func (e *env) do(method, path, token string, body, out any) int {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seedInventory sets up a unit, a 2-dose vaccine and one lot of 2 units.
func (e *env) seedInventory() (core.Unit, api.VaccineDTO, core.Lot) {
	e.t.Helper()

	var unit core.Unit
	status := e.do(http.MethodPost, "/api/units", e.adminToken,
		api.UnitRequest{Name: "Central", Kind: "UBS", City: "Recife"}, &unit)
	require.Equal(e.t, http.StatusCreated, status)

	var vaccine api.VaccineDTO
	status = e.do(http.MethodPost, "/api/vaccines", e.adminToken,
		api.CreateVaccineRequest{Name: "HepB", Disease: "Hepatitis B", QuantityDoses: 2, IntervalDoses: 30}, &vaccine)
	require.Equal(e.t, http.StatusCreated, status)
	require.Len(e.t, vaccine.Doses, 2)

	var lot core.Lot
	status = e.do(http.MethodPost, "/api/lots", e.adminToken, api.CreateLotRequest{
		Code:      "LOT-1",
		VaccineID: int64(vaccine.ID),
		ExpiresAt: time.Now().UTC().AddDate(1, 0, 0),
		ArrivedAt: time.Now().UTC().AddDate(0, -1, 0),
		Quantity:  2,
	}, &lot)
	require.Equal(e.t, http.StatusCreated, status)

	return unit, vaccine, lot
}

func (e *env) applicationRequest(unit core.Unit, v api.VaccineDTO, lot core.Lot) api.ApplicationRequest {
	return api.ApplicationRequest{
		PatientID:      string(e.patient.ID),
		ProfessionalID: string(e.professional.ID),
		AdminID:        string(e.admin.ID),
		UnitID:         string(unit.ID),
		DoseID:         int64(v.Doses[0].ID),
		LotID:          int64(lot.ID),
	}
}

// =============================================================================
// AUTH & GATING
// =============================================================================

func TestLogin_WrongPassword_Unauthorized(t *testing.T) {
	e := newEnv(t)
	status := e.do(http.MethodPost, "/api/auth/login", "",
		api.LoginRequest{Email: "admin@test.dev", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRoutes_RequireToken(t *testing.T) {
	e := newEnv(t)
	status := e.do(http.MethodGet, "/api/vaccines", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRoleGating_PatientCannotCreateVaccine(t *testing.T) {
	e := newEnv(t)
	patientToken := e.login("pat@test.dev", "secret123")

	status := e.do(http.MethodPost, "/api/vaccines", patientToken,
		api.CreateVaccineRequest{Name: "Nope", QuantityDoses: 1}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

// =============================================================================
// VACCINES & SCHEMES
// =============================================================================

func TestCreateVaccine_GeneratesDoses(t *testing.T) {
	e := newEnv(t)
	_, vaccine, _ := e.seedInventory()

	assert.Equal(t, 1, vaccine.Doses[0].Number)
	assert.Equal(t, 0, vaccine.Doses[0].IntervalDays)
	assert.Equal(t, 2, vaccine.Doses[1].Number)
	assert.Equal(t, 30, vaccine.Doses[1].IntervalDays)

	var fetched api.VaccineDTO
	status := e.do(http.MethodGet, fmt.Sprintf("/api/vaccines/%d", vaccine.ID), e.adminToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, vaccine.Doses, fetched.Doses)
}

func TestCreateVaccine_InvalidScheme_BadRequest(t *testing.T) {
	e := newEnv(t)
	status := e.do(http.MethodPost, "/api/vaccines", e.adminToken,
		api.CreateVaccineRequest{Name: "Bad", QuantityDoses: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReconcileScheme_RebuildsDoses(t *testing.T) {
	e := newEnv(t)
	_, vaccine, _ := e.seedInventory()

	var out api.VaccineDTO
	status := e.do(http.MethodPut, fmt.Sprintf("/api/vaccines/%d/scheme", vaccine.ID), e.adminToken,
		api.ReconcileSchemeRequest{QuantityDoses: 3, IntervalDoses: 45}, &out)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Doses, 3)
	assert.Equal(t, 45, out.Doses[1].IntervalDays)
}

func TestReconcileScheme_InUse_Conflict(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()

	status := e.do(http.MethodPost, "/api/applications", e.adminToken,
		e.applicationRequest(unit, vaccine, lot), nil)
	require.Equal(t, http.StatusCreated, status)

	status = e.do(http.MethodPut, fmt.Sprintf("/api/vaccines/%d/scheme", vaccine.ID), e.adminToken,
		api.ReconcileSchemeRequest{QuantityDoses: 3, IntervalDoses: 45}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

// =============================================================================
// APPLICATION FLOW
// =============================================================================

func TestApplicationFlow_CreateProjectsNextDue(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()

	var app api.ApplicationDTO
	status := e.do(http.MethodPost, "/api/applications", e.adminToken,
		e.applicationRequest(unit, vaccine, lot), &app)
	require.Equal(t, http.StatusCreated, status)

	require.NotNil(t, app.NextDue, "dose 1 of 2 must project a follow-up")
	assert.Equal(t, app.AppliedAt.AddDate(0, 0, 30), app.NextDue.UTC())

	var fetched core.Lot
	status = e.do(http.MethodGet, fmt.Sprintf("/api/lots/%d", lot.ID), e.adminToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, fetched.Quantity, "one unit reserved")
}

func TestApplicationFlow_OutOfStock_Conflict(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()
	req := e.applicationRequest(unit, vaccine, lot)

	for i := 0; i < 2; i++ {
		status := e.do(http.MethodPost, "/api/applications", e.adminToken, req, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	status := e.do(http.MethodPost, "/api/applications", e.adminToken, req, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestApplicationFlow_ExpiredLot_Conflict(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, _ := e.seedInventory()

	var expired core.Lot
	status := e.do(http.MethodPost, "/api/lots", e.adminToken, api.CreateLotRequest{
		Code:      "LOT-OLD",
		VaccineID: int64(vaccine.ID),
		ExpiresAt: time.Now().UTC().AddDate(0, 0, -1),
		ArrivedAt: time.Now().UTC().AddDate(-1, 0, 0),
		Quantity:  10,
	}, &expired)
	require.Equal(t, http.StatusCreated, status)

	req := e.applicationRequest(unit, vaccine, expired)
	status = e.do(http.MethodPost, "/api/applications", e.adminToken, req, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestApplicationFlow_DeleteRestoresStock(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()

	var app api.ApplicationDTO
	status := e.do(http.MethodPost, "/api/applications", e.adminToken,
		e.applicationRequest(unit, vaccine, lot), &app)
	require.Equal(t, http.StatusCreated, status)

	status = e.do(http.MethodDelete, fmt.Sprintf("/api/applications/%d", app.ID), e.adminToken, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	var fetched core.Lot
	status = e.do(http.MethodGet, fmt.Sprintf("/api/lots/%d", lot.ID), e.adminToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, fetched.Quantity)

	status = e.do(http.MethodGet, fmt.Sprintf("/api/applications/%d", app.ID), e.adminToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPatientCard_ListsApplicationsWithNextDue(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()

	status := e.do(http.MethodPost, "/api/applications", e.adminToken,
		e.applicationRequest(unit, vaccine, lot), nil)
	require.Equal(t, http.StatusCreated, status)

	var card []api.ApplicationDTO
	status = e.do(http.MethodGet, fmt.Sprintf("/api/patients/%s/card", e.patient.ID), e.adminToken, nil, &card)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, card, 1)
	assert.NotNil(t, card[0].NextDue)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestYearReport_CountsApplications(t *testing.T) {
	e := newEnv(t)
	unit, vaccine, lot := e.seedInventory()

	req := e.applicationRequest(unit, vaccine, lot)
	now := time.Now().UTC()
	req.AppliedAt = &now
	status := e.do(http.MethodPost, "/api/applications", e.adminToken, req, nil)
	require.Equal(t, http.StatusCreated, status)

	var summary map[string]any
	status = e.do(http.MethodGet, fmt.Sprintf("/api/reports/%d", now.Year()), e.adminToken, nil, &summary)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, summary["total_applications"])
	assert.EqualValues(t, 1, summary["distinct_patients"])
}

func TestExpiringReport_FlagsLotInsideWindow(t *testing.T) {
	e := newEnv(t)
	_, vaccine, _ := e.seedInventory()

	var soon core.Lot
	status := e.do(http.MethodPost, "/api/lots", e.adminToken, api.CreateLotRequest{
		Code:      "LOT-SOON",
		VaccineID: int64(vaccine.ID),
		ExpiresAt: time.Now().UTC().AddDate(0, 0, 10),
		ArrivedAt: time.Now().UTC().AddDate(0, -6, 0),
		Quantity:  7,
	}, &soon)
	require.Equal(t, http.StatusCreated, status)

	var lots []core.Lot
	status = e.do(http.MethodGet, "/api/reports/expiring", e.adminToken, nil, &lots)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, lots, 1)
	assert.Equal(t, "LOT-SOON", lots[0].Code)
}
