// Package clients stores the CPA practice's client roster: legal entity
// details, tax identifiers, and the QuickBooks company each client maps to.
package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by store implementations.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrDuplicateEIN    = errors.New("EIN already registered")
	ErrDuplicateClient = errors.New("client already exists")
)

// EntityType is the client's legal structure for tax purposes.
type EntityType string

const (
	EntitySoleProprietor EntityType = "sole_proprietor"
	EntityPartnership    EntityType = "partnership"
	EntitySCorp          EntityType = "s_corp"
	EntityCCorp          EntityType = "c_corp"
	EntityLLC            EntityType = "llc"
	EntityNonProfit      EntityType = "non_profit"
)

// KnownEntityTypes lists every accepted entity type.
var KnownEntityTypes = []EntityType{
	EntitySoleProprietor,
	EntityPartnership,
	EntitySCorp,
	EntityCCorp,
	EntityLLC,
	EntityNonProfit,
}

// Client is one client of the practice.
type Client struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	EIN              string     `json:"ein,omitempty"`
	EntityType       EntityType `json:"entity_type"`
	FiscalYearEndDay int        `json:"fiscal_year_end_day,omitempty"`
	FiscalYearEndMon int        `json:"fiscal_year_end_month,omitempty"`
	QuickBooksRealm  string     `json:"quickbooks_realm,omitempty"`
	ContactEmail     string     `json:"contact_email,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the client record before it is persisted.
func (c Client) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if c.EIN != "" && !ValidEIN(c.EIN) {
		problems = append(problems, fmt.Sprintf("EIN %q must match NN-NNNNNNN", c.EIN))
	}
	if !validEntityType(c.EntityType) {
		problems = append(problems, fmt.Sprintf("unknown entity type %q", c.EntityType))
	}
	if (c.FiscalYearEndMon != 0) != (c.FiscalYearEndDay != 0) {
		problems = append(problems, "fiscal year end needs both month and day")
	}
	if c.FiscalYearEndMon != 0 && (c.FiscalYearEndMon < 1 || c.FiscalYearEndMon > 12) {
		problems = append(problems, "fiscal year end month out of range")
	}
	if c.FiscalYearEndDay != 0 && (c.FiscalYearEndDay < 1 || c.FiscalYearEndDay > 31) {
		problems = append(problems, "fiscal year end day out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("clients: invalid client: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidEIN reports whether the value matches the IRS NN-NNNNNNN format.
func ValidEIN(ein string) bool {
	if len(ein) != 10 || ein[2] != '-' {
		return false
	}
	for i, r := range ein {
		if i == 2 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validEntityType(entity EntityType) bool {
	for _, known := range KnownEntityTypes {
		if entity == known {
			return true
		}
	}
	return false
}

// NewClient creates a client record with a fresh ID and timestamps.
func NewClient(name string, entity EntityType) Client {
	now := time.Now().UTC()
	return Client{
		ID:         uuid.NewString(),
		Name:       name,
		EntityType: entity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Store abstracts client roster persistence.
type Store interface {
	Create(ctx context.Context, client Client) error
	Update(ctx context.Context, client Client) error
	Get(ctx context.Context, id string) (Client, error)
	GetByEIN(ctx context.Context, ein string) (Client, error)
	List(ctx context.Context) ([]Client, error)
	Delete(ctx context.Context, id string) error
}
