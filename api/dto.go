/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/vaxtrace/vaccine-engine/core"
)

// =============================================================================
// AUTH
// =============================================================================

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string    `json:"token"`
	User  core.User `json:"user"`
}

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CPF       string    `json:"cpf"`
	Password  string    `json:"password"`
	Role      core.Role `json:"role"`
	Education string    `json:"education,omitempty"`
}

type UpdateUserRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	CPF       string `json:"cpf"`
	Password  string `json:"password,omitempty"`
	Education string `json:"education,omitempty"`
}

// =============================================================================
// DIRECTORY
// =============================================================================

type UnitRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Street   string `json:"street"`
	District string `json:"district"`
	City     string `json:"city"`
	State    string `json:"state"`
	Number   int    `json:"number"`
}

type CompanyRequest struct {
	CNPJ  string `json:"cnpj"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type StockRequest struct {
	UnitID    string `json:"unit_id"`
	ManagerID string `json:"manager_id"`
}

// =============================================================================
// VACCINES, LOTS, SCHEMES
// =============================================================================

type CreateVaccineRequest struct {
	Name             string `json:"name"`
	Disease          string `json:"disease"`
	TargetGroup      string `json:"target_group"`
	Description      string `json:"description"`
	ManufacturerCNPJ string `json:"manufacturer_cnpj"`
	QuantityDoses    int    `json:"quantity_doses"`
	IntervalDoses    int    `json:"interval_doses"`
}

// ReconcileSchemeRequest changes a vaccine's declared scheme; the dose
// definitions are rebuilt to match.
type ReconcileSchemeRequest struct {
	QuantityDoses int `json:"quantity_doses"`
	IntervalDoses int `json:"interval_doses"`
}

// VaccineDTO bundles a vaccine with its generated dose definitions.
type VaccineDTO struct {
	core.Vaccine
	Doses []core.Dose `json:"doses"`
}

type CreateLotRequest struct {
	Code         string    `json:"code"`
	VaccineID    int64     `json:"vaccine_id"`
	SupplierCNPJ string    `json:"supplier_cnpj"`
	StockID      int64     `json:"stock_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	ArrivedAt    time.Time `json:"arrived_at"`
	Quantity     int       `json:"quantity"`
}

type UpdateLotRequest struct {
	Code         string    `json:"code"`
	SupplierCNPJ string    `json:"supplier_cnpj"`
	StockID      int64     `json:"stock_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	ArrivedAt    time.Time `json:"arrived_at"`
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type ApplicationRequest struct {
	PatientID      string     `json:"patient_id"`
	ProfessionalID string     `json:"professional_id"`
	AdminID        string     `json:"admin_id"`
	UnitID         string     `json:"unit_id"`
	DoseID         int64      `json:"dose_id"`
	LotID          int64      `json:"lot_id"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// ApplicationDTO is an application plus its projected follow-up date.
// NextDue is null when the schedule is complete or has no fixed interval.
type ApplicationDTO struct {
	core.Application
	NextDue *time.Time `json:"next_due"`
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

type CampaignRequest struct {
	Name        string    `json:"name"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	TargetGroup string    `json:"target_group"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
}

type PublicationRequest struct {
	VaccineID int64 `json:"vaccine_id"`
}

// CampaignDTO bundles a campaign with its published vaccines.
type CampaignDTO struct {
	core.Campaign
	Vaccines []core.Vaccine `json:"vaccines"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the JSON error envelope. Retryable marks transient
// conflicts (lock contention) the client may simply retry.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
