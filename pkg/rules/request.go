package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Targets identifies the entities a transaction attempt touches, one per scope.
type Targets struct {
	User         string `json:"user,omitempty"`
	Card         string `json:"card,omitempty"`
	Account      string `json:"account,omitempty"`
	Department   string `json:"department,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// For returns the target identifier for a scope.
func (t Targets) For(scope Scope) string {
	switch scope {
	case ScopeUser:
		return t.User
	case ScopeCard:
		return t.Card
	case ScopeAccount:
		return t.Account
	case ScopeDepartment:
		return t.Department
	case ScopeOrganization:
		return t.Organization
	}
	return ""
}

// Request is a transaction attempt submitted for evaluation.
type Request struct {
	// ID is the caller's identifier for the attempt. When empty the engine
	// assigns an evaluation ID.
	ID string `json:"id,omitempty"`

	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	Timestamp            time.Time         `json:"timestamp"`
	OriginCountry        string            `json:"originCountry,omitempty"`
	MerchantCategoryCode string            `json:"merchantCategoryCode,omitempty"`
	ActorID              string            `json:"actorId"`
	ActorRoles           []string          `json:"actorRoles,omitempty"`
	Targets              Targets           `json:"targets"`
	Operation            string            `json:"operation,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Condition field names understood by Request.Field.
const (
	FieldAmount           = "amount"
	FieldCurrency         = "currency"
	FieldOriginCountry    = "origin_country"
	FieldMerchantCategory = "merchant_category"
	FieldOperation        = "operation"
	FieldActorID          = "actor_id"
	FieldActorRole        = "actor_role"
	FieldUserID           = "user_id"
	FieldCardID           = "card_id"
	FieldAccountID        = "account_id"
	FieldDepartmentID     = "department_id"
	FieldOrganizationID   = "organization_id"

	// MetadataPrefix addresses request metadata, e.g. "metadata.wallet_type".
	MetadataPrefix = "metadata."
)

var knownFields = map[string]bool{
	FieldAmount: true, FieldCurrency: true, FieldOriginCountry: true,
	FieldMerchantCategory: true, FieldOperation: true, FieldActorID: true,
	FieldActorRole: true, FieldUserID: true, FieldCardID: true,
	FieldAccountID: true, FieldDepartmentID: true, FieldOrganizationID: true,
}

// IsKnownField reports whether name can be used in a condition.
func IsKnownField(name string) bool {
	if strings.HasPrefix(name, MetadataPrefix) {
		return len(name) > len(MetadataPrefix)
	}
	return knownFields[name]
}

// Field returns the value of a condition field. The amount is returned as a
// decimal.Decimal and actor_role as []string; everything else is a string.
// Missing metadata keys return an empty string.
func (r *Request) Field(name string) (any, error) {
	switch name {
	case FieldAmount:
		return r.Amount, nil
	case FieldCurrency:
		return r.Currency, nil
	case FieldOriginCountry:
		return r.OriginCountry, nil
	case FieldMerchantCategory:
		return r.MerchantCategoryCode, nil
	case FieldOperation:
		return r.Operation, nil
	case FieldActorID:
		return r.ActorID, nil
	case FieldActorRole:
		return r.ActorRoles, nil
	case FieldUserID:
		return r.Targets.User, nil
	case FieldCardID:
		return r.Targets.Card, nil
	case FieldAccountID:
		return r.Targets.Account, nil
	case FieldDepartmentID:
		return r.Targets.Department, nil
	case FieldOrganizationID:
		return r.Targets.Organization, nil
	}

	if key, ok := strings.CutPrefix(name, MetadataPrefix); ok && key != "" {
		return r.Metadata[key], nil
	}

	return nil, fmt.Errorf("unknown field: %q", name)
}
