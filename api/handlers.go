/*
handlers.go - HTTP API handlers for the vaccine administration engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/login                  Exchange credentials for a token

  Users:
    GET    /api/users?role=                 List users by role
    POST   /api/users                       Create user (admin)
    GET    /api/users/{id}                  Get user
    PUT    /api/users/{id}                  Update user
    DELETE /api/users/{id}                  Delete user

  Directory:
    /api/units, /api/suppliers, /api/manufacturers, /api/stocks

  Vaccines:
    GET    /api/vaccines                    List vaccines
    POST   /api/vaccines                    Register vaccine + generate doses
    GET    /api/vaccines/{id}               Vaccine with its dose schedule
    PUT    /api/vaccines/{id}/scheme        Reconcile the dose scheme
    DELETE /api/vaccines/{id}               Delete (blocked while lots exist)
    GET    /api/vaccines/{id}/lots          Lots of one vaccine

  Lots:
    POST   /api/lots                        Register a lot
    PUT    /api/lots/{id}                   Update descriptive fields
    DELETE /api/lots/{id}                   Delete (blocked while referenced)

  Applications:
    POST   /api/applications                Record an administration
    GET    /api/applications/{id}           Application + next due date
    PUT    /api/applications/{id}           Correct an application
    DELETE /api/applications/{id}           Undo (restores the lot unit)
    GET    /api/patients/{id}/card          Patient's vaccination card

  Campaigns:
    /api/campaigns CRUD + vaccine publications

  Reports:
    GET    /api/reports/{year}              Yearly dashboard summary
    GET    /api/reports/expiring            Lots expiring soon

ERROR HANDLING:
  Domain errors map onto HTTP status by taxonomy:
  - 400: validation errors
  - 404: not found
  - 409: out of stock, expired lot, scheme mismatch, conflicts
         (retryable conflicts carry "retryable": true)
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Token middleware and role gating
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vaxtrace/vaccine-engine/core"
	"github.com/vaxtrace/vaccine-engine/ledger"
	"github.com/vaxtrace/vaccine-engine/reports"
	"github.com/vaxtrace/vaccine-engine/schedule"
	"github.com/vaxtrace/vaccine-engine/scheme"
	"github.com/vaxtrace/vaccine-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Schemes *scheme.Service
	Apps    *ledger.ApplicationLedger
	Proj    *schedule.Projector
	Reports *reports.Builder
	Auth    *Auth

	// Lots expiring within this window appear in /api/reports/expiring.
	ExpiryWindow time.Duration
}

// NewHandler wires the domain services around one store.
func NewHandler(store *sqlite.Store, auth *Auth, expiryWindow time.Duration) *Handler {
	return &Handler{
		Store:        store,
		Schemes:      scheme.NewService(store),
		Apps:         ledger.NewApplicationLedger(store),
		Proj:         schedule.NewProjector(store),
		Reports:      reports.NewBuilder(store, store),
		Auth:         auth,
		ExpiryWindow: expiryWindow,
	}
}

// =============================================================================
// AUTH
// =============================================================================

// Login exchanges email/password for a signed token.
// POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
			return
		}
		writeDomainError(w, err)
		return
	}
	if !CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	token, err := h.Auth.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, User: *user})
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser registers a user of any role.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if !core.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "Unknown role", nil)
		return
	}
	if req.Name == "" || req.Email == "" || req.CPF == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email, cpf and password are required", nil)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	user := core.User{
		ID:           core.UserID(uuid.NewString()),
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		CPF:          req.CPF,
		PasswordHash: hash,
		Role:         req.Role,
		Education:    req.Education,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// ListUsers lists users of one role (?role=patient etc).
// GET /api/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	role := core.Role(r.URL.Query().Get("role"))
	if !core.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "role query parameter is required", nil)
		return
	}
	users, err := h.Store.ListUsersByRole(r.Context(), role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser returns one user.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser updates profile fields; an empty password keeps the old hash.
// PUT /api/users/{id}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	user, err := h.Store.GetUser(r.Context(), core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	user.Name = req.Name
	user.Email = req.Email
	user.Phone = req.Phone
	user.CPF = req.CPF
	user.Education = req.Education
	if req.Password != "" {
		hash, err := HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.Store.UpdateUser(r.Context(), *user); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user; fails while applications reference them.
// DELETE /api/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteUser(r.Context(), core.UserID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// UNITS
// =============================================================================

// CreateUnit registers a health unit.
// POST /api/units
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req UnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.Name == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "name and kind are required", nil)
		return
	}

	unit := core.Unit{
		ID:       core.UnitID(uuid.NewString()),
		Name:     req.Name,
		Kind:     req.Kind,
		Street:   req.Street,
		District: req.District,
		City:     req.City,
		State:    req.State,
		Number:   req.Number,
	}
	if err := h.Store.CreateUnit(r.Context(), unit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

// ListUnits returns every health unit.
// GET /api/units
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

// GetUnit returns one health unit.
// GET /api/units/{id}
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.Store.GetUnit(r.Context(), core.UnitID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// UpdateUnit rewrites a unit's fields.
// PUT /api/units/{id}
func (h *Handler) UpdateUnit(w http.ResponseWriter, r *http.Request) {
	var req UnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	unit := core.Unit{
		ID:       core.UnitID(chi.URLParam(r, "id")),
		Name:     req.Name,
		Kind:     req.Kind,
		Street:   req.Street,
		District: req.District,
		City:     req.City,
		State:    req.State,
		Number:   req.Number,
	}
	if err := h.Store.UpdateUnit(r.Context(), unit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// DeleteUnit removes a unit; fails while applications reference it.
// DELETE /api/units/{id}
func (h *Handler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteUnit(r.Context(), core.UnitID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SUPPLIERS & MANUFACTURERS
// =============================================================================

// CreateSupplier registers a supplier company.
// POST /api/suppliers
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req CompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.CNPJ == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "cnpj and name are required", nil)
		return
	}
	sp := core.Supplier{CNPJ: core.CNPJ(req.CNPJ), Name: req.Name, Phone: req.Phone}
	if err := h.Store.CreateSupplier(r.Context(), sp); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

// ListSuppliers returns every supplier.
// GET /api/suppliers
func (h *Handler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ListSuppliers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteSupplier removes a supplier.
// DELETE /api/suppliers/{cnpj}
func (h *Handler) DeleteSupplier(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteSupplier(r.Context(), core.CNPJ(chi.URLParam(r, "cnpj"))); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateManufacturer registers a manufacturer company.
// POST /api/manufacturers
func (h *Handler) CreateManufacturer(w http.ResponseWriter, r *http.Request) {
	var req CompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.CNPJ == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "cnpj and name are required", nil)
		return
	}
	m := core.Manufacturer{CNPJ: core.CNPJ(req.CNPJ), Name: req.Name, Phone: req.Phone}
	if err := h.Store.CreateManufacturer(r.Context(), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListManufacturers returns every manufacturer.
// GET /api/manufacturers
func (h *Handler) ListManufacturers(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ListManufacturers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteManufacturer removes a manufacturer.
// DELETE /api/manufacturers/{cnpj}
func (h *Handler) DeleteManufacturer(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteManufacturer(r.Context(), core.CNPJ(chi.URLParam(r, "cnpj"))); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// STOCK LOCATIONS
// =============================================================================

// CreateStock registers a storage location at a unit under a manager.
// POST /api/stocks
func (h *Handler) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	st := core.Stock{
		UnitID:    core.UnitID(req.UnitID),
		ManagerID: core.UserID(req.ManagerID),
	}
	if err := h.Store.CreateStock(r.Context(), &st); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListStocks returns every stock location.
// GET /api/stocks
func (h *Handler) ListStocks(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ListStocks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteStock removes a stock location.
// DELETE /api/stocks/{id}
func (h *Handler) DeleteStock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteStock(r.Context(), core.StockID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// VACCINES & SCHEMES
// =============================================================================

// CreateVaccine registers a vaccine and generates its dose schedule in the
// same breath. The response carries the vaccine plus the generated doses.
// POST /api/vaccines
func (h *Handler) CreateVaccine(w http.ResponseWriter, r *http.Request) {
	var req CreateVaccineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	v := core.Vaccine{
		Name:             req.Name,
		Disease:          req.Disease,
		TargetGroup:      req.TargetGroup,
		Description:      req.Description,
		ManufacturerCNPJ: core.CNPJ(req.ManufacturerCNPJ),
		QuantityDoses:    req.QuantityDoses,
		IntervalDoses:    req.IntervalDoses,
	}
	if err := scheme.Validate(v.QuantityDoses, v.IntervalDoses); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.CreateVaccine(r.Context(), &v); err != nil {
		writeDomainError(w, err)
		return
	}

	doses, err := h.Schemes.Create(r.Context(), v)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, VaccineDTO{Vaccine: v, Doses: doses})
}

// ListVaccines returns every registered vaccine.
// GET /api/vaccines
func (h *Handler) ListVaccines(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ListVaccines(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetVaccine returns a vaccine with its dose schedule.
// GET /api/vaccines/{id}
func (h *Handler) GetVaccine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	v, err := h.Store.GetVaccine(r.Context(), core.VaccineID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	doses, err := h.Store.ListDoses(r.Context(), v.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VaccineDTO{Vaccine: *v, Doses: doses})
}

// ReconcileScheme changes a vaccine's declared scheme and rebuilds its
// dose definitions. 409 when applications already reference the old set.
// PUT /api/vaccines/{id}/scheme
func (h *Handler) ReconcileScheme(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReconcileSchemeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	doses, err := h.Schemes.Reconcile(r.Context(), core.VaccineID(id), req.QuantityDoses, req.IntervalDoses)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v, err := h.Store.GetVaccine(r.Context(), core.VaccineID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VaccineDTO{Vaccine: *v, Doses: doses})
}

// DeleteVaccine removes a vaccine and its doses; blocked while lots exist.
// DELETE /api/vaccines/{id}
func (h *Handler) DeleteVaccine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteVaccine(r.Context(), core.VaccineID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVaccineLots returns a vaccine's lots ordered by expiry.
// GET /api/vaccines/{id}/lots
func (h *Handler) ListVaccineLots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lots, err := h.Store.ListLots(r.Context(), core.VaccineID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// =============================================================================
// LOTS
// =============================================================================

// CreateLot registers a received batch.
// POST /api/lots
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required", nil)
		return
	}
	if req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "quantity must not be negative", nil)
		return
	}

	lot := core.Lot{
		Code:         req.Code,
		VaccineID:    core.VaccineID(req.VaccineID),
		SupplierCNPJ: core.CNPJ(req.SupplierCNPJ),
		StockID:      core.StockID(req.StockID),
		ExpiresAt:    req.ExpiresAt,
		ArrivedAt:    req.ArrivedAt,
		Quantity:     req.Quantity,
	}
	if err := h.Store.CreateLot(r.Context(), &lot); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

// GetLot returns one lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lot, err := h.Store.GetLot(r.Context(), core.LotID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// UpdateLot rewrites descriptive lot fields. Quantity is owned by the
// application ledger and cannot be edited here.
// PUT /api/lots/{id}
func (h *Handler) UpdateLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	lot := core.Lot{
		ID:           core.LotID(id),
		Code:         req.Code,
		SupplierCNPJ: core.CNPJ(req.SupplierCNPJ),
		StockID:      core.StockID(req.StockID),
		ExpiresAt:    req.ExpiresAt,
		ArrivedAt:    req.ArrivedAt,
	}
	if err := h.Store.UpdateLot(r.Context(), lot); err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := h.Store.GetLot(r.Context(), core.LotID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteLot removes a lot; blocked while applications reference it.
// DELETE /api/lots/{id}
func (h *Handler) DeleteLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteLot(r.Context(), core.LotID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// APPLICATIONS
// =============================================================================

// CreateApplication records one administered dose. The lot unit is
// reserved and the record inserted in a single transaction.
// POST /api/applications
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req ApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	app, err := h.Apps.Create(r.Context(), applicationInput(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeApplication(w, r, http.StatusCreated, app)
}

// GetApplication returns an application with its projected next due date.
// GET /api/applications/{id}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	app, err := h.Apps.Get(r.Context(), core.ApplicationID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeApplication(w, r, http.StatusOK, app)
}

// UpdateApplication corrects a recorded application. A lot change releases
// the old unit and reserves from the new lot atomically.
// PUT /api/applications/{id}
func (h *Handler) UpdateApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	app, err := h.Apps.Update(r.Context(), core.ApplicationID(id), applicationInput(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeApplication(w, r, http.StatusOK, app)
}

// DeleteApplication undoes a recorded application and restores the lot unit.
// DELETE /api/applications/{id}
func (h *Handler) DeleteApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Apps.Delete(r.Context(), core.ApplicationID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatientCard returns a patient's applications in order, each with its
// projected next due date.
// GET /api/patients/{id}/card
func (h *Handler) PatientCard(w http.ResponseWriter, r *http.Request) {
	patientID := core.UserID(chi.URLParam(r, "id"))
	apps, err := h.Store.ListApplicationsByPatient(r.Context(), patientID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	card := make([]ApplicationDTO, 0, len(apps))
	for _, app := range apps {
		next, err := h.Proj.NextDue(r.Context(), app.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		card = append(card, ApplicationDTO{Application: app, NextDue: next})
	}
	writeJSON(w, http.StatusOK, card)
}

func applicationInput(req ApplicationRequest) ledger.ApplicationInput {
	return ledger.ApplicationInput{
		PatientID:      core.UserID(req.PatientID),
		ProfessionalID: core.UserID(req.ProfessionalID),
		AdminID:        core.UserID(req.AdminID),
		UnitID:         core.UnitID(req.UnitID),
		DoseID:         core.DoseID(req.DoseID),
		LotID:          core.LotID(req.LotID),
		AppliedAt:      req.AppliedAt,
		Notes:          req.Notes,
	}
}

func (h *Handler) writeApplication(w http.ResponseWriter, r *http.Request, status int, app *core.Application) {
	next, err := h.Proj.NextDue(r.Context(), app.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, status, ApplicationDTO{Application: *app, NextDue: next})
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// CreateCampaign registers a campaign owned by the calling admin.
// POST /api/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	adminID, ok := CallerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}
	if !req.EndsAt.After(req.StartsAt) {
		writeError(w, http.StatusBadRequest, "ends_at must be after starts_at", nil)
		return
	}

	c := core.Campaign{
		Name:        req.Name,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		TargetGroup: req.TargetGroup,
		Description: req.Description,
		Active:      req.Active,
		AdminID:     adminID,
	}
	if err := h.Store.CreateCampaign(r.Context(), &c); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCampaigns returns campaigns, optionally only active ones (?active=true).
// GET /api/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	out, err := h.Store.ListCampaigns(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCampaign returns a campaign with its published vaccines.
// GET /api/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Store.GetCampaign(r.Context(), core.CampaignID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	vaccines, err := h.Store.ListCampaignVaccines(r.Context(), c.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CampaignDTO{Campaign: *c, Vaccines: vaccines})
}

// UpdateCampaign rewrites campaign fields; ownership stays put.
// PUT /api/campaigns/{id}
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	c, err := h.Store.GetCampaign(r.Context(), core.CampaignID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	c.Name = req.Name
	c.StartsAt = req.StartsAt
	c.EndsAt = req.EndsAt
	c.TargetGroup = req.TargetGroup
	c.Description = req.Description
	c.Active = req.Active

	if err := h.Store.UpdateCampaign(r.Context(), *c); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign removes a campaign; its publications cascade.
// DELETE /api/campaigns/{id}
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteCampaign(r.Context(), core.CampaignID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishVaccine links a vaccine into a campaign.
// POST /api/campaigns/{id}/vaccines
func (h *Handler) PublishVaccine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req PublicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	p := core.Publication{CampaignID: core.CampaignID(id), VaccineID: core.VaccineID(req.VaccineID)}
	if err := h.Store.PublishVaccine(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UnpublishVaccine removes a vaccine from a campaign.
// DELETE /api/campaigns/{id}/vaccines/{vaccineID}
func (h *Handler) UnpublishVaccine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	vaccineID, err := strconv.ParseInt(chi.URLParam(r, "vaccineID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid vaccine id", err)
		return
	}
	p := core.Publication{CampaignID: core.CampaignID(id), VaccineID: core.VaccineID(vaccineID)}
	if err := h.Store.UnpublishVaccine(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REPORTS
// =============================================================================

// YearReport returns the dashboard summary for one calendar year.
// GET /api/reports/{year}
func (h *Handler) YearReport(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1900 {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	summary, err := h.Reports.YearSummary(r.Context(), year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ExpiringLots lists lots with stock on the shelf expiring inside the
// configured alert window.
// GET /api/reports/expiring
func (h *Handler) ExpiringLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Reports.ExpiringLots(r.Context(), time.Now(), h.ExpiryWindow)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// =============================================================================
// HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case errors.Is(err, core.ErrOutOfStock):
		writeError(w, http.StatusConflict, "Lot out of stock", err)
	case errors.Is(err, core.ErrExpiredLot):
		writeError(w, http.StatusConflict, "Lot expired", err)
	case errors.Is(err, core.ErrSchemeMismatch):
		writeError(w, http.StatusConflict, "Dose does not belong to the lot's vaccine", err)
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Conflict",
			Details:   err.Error(),
			Retryable: core.IsRetryable(err),
		})
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
