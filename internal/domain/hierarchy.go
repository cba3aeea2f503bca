package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var nameFolder = cases.Fold()

// NormalizeName produces the comparison key for hierarchy names: NFC, case folded,
// inner whitespace collapsed.
func NormalizeName(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	if collapsed == "" {
		return ""
	}
	return nameFolder.String(norm.NFC.String(collapsed))
}

// Property is the top level of the hierarchy.
type Property struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenantId"`
	Name           string     `json:"name"`
	NormalizedName string     `json:"normalizedName"`
	ImportJobID    *uuid.UUID `json:"importJobId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewProperty stages a property for creation.
func NewProperty(tenantID uuid.UUID, name string) Property {
	trimmed := strings.TrimSpace(name)
	return Property{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           trimmed,
		NormalizedName: NormalizeName(trimmed),
		CreatedAt:      time.Now(),
	}
}

// Building belongs to exactly one property.
type Building struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenantId"`
	PropertyID     uuid.UUID  `json:"propertyId"`
	Name           string     `json:"name"`
	NormalizedName string     `json:"normalizedName"`
	ImportJobID    *uuid.UUID `json:"importJobId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewBuilding stages a building for creation.
func NewBuilding(tenantID, propertyID uuid.UUID, name string) Building {
	trimmed := strings.TrimSpace(name)
	return Building{
		ID:             uuid.New(),
		TenantID:       tenantID,
		PropertyID:     propertyID,
		Name:           trimmed,
		NormalizedName: NormalizeName(trimmed),
		CreatedAt:      time.Now(),
	}
}

// BuildingKey identifies a building name within its property.
type BuildingKey struct {
	PropertyID     uuid.UUID
	NormalizedName string
}

// Asset is a technical asset keyed by a business code unique per tenant.
type Asset struct {
	ID                 uuid.UUID  `json:"id"`
	TenantID           uuid.UUID  `json:"tenantId"`
	BuildingID         uuid.UUID  `json:"buildingId"`
	Code               string     `json:"code"`
	Name               string     `json:"name"`
	ClassificationCode string     `json:"classificationCode"`
	Description        string     `json:"description,omitempty"`
	Manufacturer       string     `json:"manufacturer,omitempty"`
	Model              string     `json:"model,omitempty"`
	SerialNumber       string     `json:"serialNumber,omitempty"`
	Attributes         Attributes `json:"attributes"`
	ImportJobID        *uuid.UUID `json:"importJobId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Snapshot captures the mutable fields of the asset.
func (a Asset) Snapshot() AssetSnapshot {
	return AssetSnapshot{
		ID:                 a.ID,
		BuildingID:         a.BuildingID,
		Name:               a.Name,
		ClassificationCode: a.ClassificationCode,
		Description:        a.Description,
		Manufacturer:       a.Manufacturer,
		Model:              a.Model,
		SerialNumber:       a.SerialNumber,
		Attributes:         a.Attributes.Clone(),
		ImportJobID:        a.ImportJobID,
		UpdatedAt:          a.UpdatedAt,
	}
}

// AssetSnapshot is the pre-image of an asset overwritten by an import.
type AssetSnapshot struct {
	ID                 uuid.UUID  `json:"id"`
	BuildingID         uuid.UUID  `json:"buildingId"`
	Name               string     `json:"name"`
	ClassificationCode string     `json:"classificationCode"`
	Description        string     `json:"description,omitempty"`
	Manufacturer       string     `json:"manufacturer,omitempty"`
	Model              string     `json:"model,omitempty"`
	SerialNumber       string     `json:"serialNumber,omitempty"`
	Attributes         Attributes `json:"attributes"`
	ImportJobID        *uuid.UUID `json:"importJobId,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Apply restores the snapshot onto the asset.
func (s AssetSnapshot) Apply(a Asset) Asset {
	a.BuildingID = s.BuildingID
	a.Name = s.Name
	a.ClassificationCode = s.ClassificationCode
	a.Description = s.Description
	a.Manufacturer = s.Manufacturer
	a.Model = s.Model
	a.SerialNumber = s.SerialNumber
	a.Attributes = s.Attributes.Clone()
	a.ImportJobID = s.ImportJobID
	a.UpdatedAt = s.UpdatedAt
	return a
}
