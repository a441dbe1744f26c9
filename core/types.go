/*
Package core provides the domain model for the vaccine administration engine.

PURPOSE:
  This package contains the entities and storage contracts shared by every
  other package: vaccines and their dose schedules, physical lots of stock,
  administration events (applications), and the directory records they
  reference (users, health units, suppliers).

KEY CONCEPTS IN THIS FILE (types.go):
  - Vaccine/Dose: a declared schedule and its generated dose definitions
  - Lot: a physical batch with finite quantity and an expiry date
  - Application: one recorded act of administering a dose from a lot
  - User: a single identity record with a role tag (no inheritance)

DESIGN PRINCIPLES:
  1. Integer stock: lot quantities are plain ints, never negative
  2. Type safety: distinct ID types prevent mixing lot/dose/vaccine IDs
  3. Role composition: patients, professionals, managers and admins share
     one record with a Role discriminator plus extension fields

SEE ALSO:
  - errors.go: Error taxonomy used across the engine
  - store.go: Persistence interfaces
*/
package core

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type VaccineID int64
type DoseID int64
type LotID int64
type ApplicationID int64
type StockID int64
type CampaignID int64

// UserID and UnitID are UUID strings assigned at creation time.
type UserID string
type UnitID string

// CNPJ identifies a supplier or manufacturer company.
type CNPJ string

// =============================================================================
// USERS - One record, role tag plus extension data
// =============================================================================

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleManager      Role = "manager"
	RolePatient      Role = "patient"
	RoleProfessional Role = "professional"
)

// ValidRole reports whether r is one of the four known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleManager, RolePatient, RoleProfessional:
		return true
	}
	return false
}

// User is a single identity record shared by all roles. Professional-only
// data lives in Education; other roles leave it empty.
type User struct {
	ID           UserID `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Email        string `db:"email" json:"email"`
	Phone        string `db:"phone" json:"phone"`
	CPF          string `db:"cpf" json:"cpf"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         Role   `db:"role" json:"role"`
	Education    string `db:"education" json:"education,omitempty"`
}

// =============================================================================
// DIRECTORY - Health units, suppliers, manufacturers, stock locations
// =============================================================================

// Unit is a health unit where applications happen and stock is held.
type Unit struct {
	ID       UnitID `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Kind     string `db:"kind" json:"kind"`
	Street   string `db:"street" json:"street"`
	District string `db:"district" json:"district"`
	City     string `db:"city" json:"city"`
	State    string `db:"state" json:"state"`
	Number   int    `db:"number" json:"number"`
}

type Supplier struct {
	CNPJ  CNPJ   `db:"cnpj" json:"cnpj"`
	Name  string `db:"name" json:"name"`
	Phone string `db:"phone" json:"phone"`
}

type Manufacturer struct {
	CNPJ  CNPJ   `db:"cnpj" json:"cnpj"`
	Name  string `db:"name" json:"name"`
	Phone string `db:"phone" json:"phone"`
}

// Stock is a storage location: which unit holds it and which manager runs it.
type Stock struct {
	ID        StockID `db:"id" json:"id"`
	UnitID    UnitID  `db:"unit_id" json:"unit_id"`
	ManagerID UserID  `db:"manager_id" json:"manager_id"`
}

// =============================================================================
// VACCINE & DOSE - The declared scheme and its generated definitions
// =============================================================================

// Vaccine declares a scheme: how many doses and the fixed interval (days)
// between consecutive doses after the first.
type Vaccine struct {
	ID               VaccineID `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Disease          string    `db:"disease" json:"disease"`
	TargetGroup      string    `db:"target_group" json:"target_group"`
	Description      string    `db:"description" json:"description"`
	ManufacturerCNPJ CNPJ      `db:"manufacturer_cnpj" json:"manufacturer_cnpj"`
	QuantityDoses    int       `db:"quantity_doses" json:"quantity_doses"`
	IntervalDoses    int       `db:"interval_doses" json:"interval_doses"`
}

// Dose is the Nth administration in a vaccine's schedule. Numbers form a
// contiguous 1..QuantityDoses sequence; dose 1 always has IntervalDays 0.
type Dose struct {
	ID           DoseID    `db:"id" json:"id"`
	VaccineID    VaccineID `db:"vaccine_id" json:"vaccine_id"`
	Number       int       `db:"number" json:"number"`
	IntervalDays int       `db:"interval_days" json:"interval_days"`
}

// =============================================================================
// LOT - A physical batch with finite quantity
// =============================================================================

// Lot is a tracked batch of one vaccine, held at one stock location.
// Quantity is mutated only through the lot ledger's reserve/release
// operations under the per-lot exclusive lock.
type Lot struct {
	ID           LotID     `db:"id" json:"id"`
	Code         string    `db:"code" json:"code"`
	VaccineID    VaccineID `db:"vaccine_id" json:"vaccine_id"`
	SupplierCNPJ CNPJ      `db:"supplier_cnpj" json:"supplier_cnpj"`
	StockID      StockID   `db:"stock_id" json:"stock_id"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	ArrivedAt    time.Time `db:"arrived_at" json:"arrived_at"`
	Quantity     int       `db:"quantity" json:"quantity"`
}

// Usable reports whether the lot may be drawn from at the given instant.
// The expiry boundary is inclusive: a lot is usable strictly before
// ExpiresAt, never at or after it.
func (l Lot) Usable(asOf time.Time) bool {
	return asOf.Before(l.ExpiresAt)
}

// =============================================================================
// APPLICATION - One recorded administration event
// =============================================================================

// Application links a patient, a professional, the recording admin, a health
// unit, a dose definition and the lot the unit was drawn from. Once
// committed it is a historical fact; corrections go through the application
// ledger's update/delete paths which re-balance lot quantities.
type Application struct {
	ID             ApplicationID `db:"id" json:"id"`
	PatientID      UserID        `db:"patient_id" json:"patient_id"`
	ProfessionalID UserID        `db:"professional_id" json:"professional_id"`
	AdminID        UserID        `db:"admin_id" json:"admin_id"`
	UnitID         UnitID        `db:"unit_id" json:"unit_id"`
	DoseID         DoseID        `db:"dose_id" json:"dose_id"`
	LotID          LotID         `db:"lot_id" json:"lot_id"`
	AppliedAt      time.Time     `db:"applied_at" json:"applied_at"`
	Notes          string        `db:"notes" json:"notes,omitempty"`
}

// =============================================================================
// CAMPAIGN - Grouping entity, outside the ledger core
// =============================================================================

type Campaign struct {
	ID          CampaignID `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	StartsAt    time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time  `db:"ends_at" json:"ends_at"`
	TargetGroup string     `db:"target_group" json:"target_group"`
	Description string     `db:"description" json:"description"`
	Active      bool       `db:"active" json:"active"`
	AdminID     UserID     `db:"admin_id" json:"admin_id"`
}

// Publication links a vaccine into a campaign. The pair is unique.
type Publication struct {
	CampaignID CampaignID `db:"campaign_id" json:"campaign_id"`
	VaccineID  VaccineID  `db:"vaccine_id" json:"vaccine_id"`
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
