/*
Package factory provides JSON to Go fund conversion.

PURPOSE:
  Converts JSON fund definitions into bf.FundInput values. The same schema
  is accepted by POST /api/bf and by the server's -seed-funds file, so a
  fund can be set up from configuration without code changes.

JSON SCHEMA:
  {
    "fund_name": "Staff Welfare",
    "fund_details": "Bereavement support for staff",
    "account_type": "mobile",
    "account_info": "+256700000000",
    "group_id": "kampala-office",
    "created_by": "user-1",
    "settings": {
      "contribution_target": "500000",
      "min_beneficiaries": 0,
      "max_beneficiaries": 3
    }
  }

DEFAULTS:
  - account_type: "wallet" (no account_info needed)
  - settings: DefaultFundSettings (no target, one beneficiary)
  - contribution_target accepts a JSON string or number

USAGE:
  f := factory.NewFundFactory()
  in, err := f.ParseFund(factory.StandardFundJSON("Staff Welfare", "user-1", "500000"))
  fund, err := workflow.CreateFund(ctx, in)

SEE ALSO:
  - bf/types.go: FundInput, FundSettings
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/twezimbe/bf-ledger/bf"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FundJSON is the JSON representation of a fund.
type FundJSON struct {
	Name        string        `json:"fund_name" validate:"required"`
	Details     string        `json:"fund_details,omitempty"`
	AccountType string        `json:"account_type,omitempty" validate:"omitempty,oneof=bank mobile wallet"`
	AccountInfo string        `json:"account_info,omitempty"`
	GroupID     string        `json:"group_id,omitempty"`
	CreatedBy   string        `json:"created_by"`
	Settings    *SettingsJSON `json:"settings,omitempty"`
}

// SettingsJSON represents fund settings.
type SettingsJSON struct {
	ContributionTarget *decimal.Decimal `json:"contribution_target,omitempty"`
	MinBeneficiaries   int              `json:"min_beneficiaries,omitempty"`
	MaxBeneficiaries   int              `json:"max_beneficiaries,omitempty"`
}

// =============================================================================
// FUND FACTORY
// =============================================================================

// FundFactory converts JSON funds to bf.FundInput.
type FundFactory struct {
	validate *validator.Validate
}

func NewFundFactory() *FundFactory {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &FundFactory{validate: v}
}

// ParseFund parses a single JSON fund.
func (f *FundFactory) ParseFund(jsonStr string) (bf.FundInput, error) {
	var fj FundJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return bf.FundInput{}, fmt.Errorf("failed to parse fund JSON: %w", err)
	}
	return f.FromJSON(fj)
}

// ParseFunds parses a JSON array of funds, as found in a seed file.
func (f *FundFactory) ParseFunds(data []byte) ([]bf.FundInput, error) {
	var list []FundJSON
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse fund list JSON: %w", err)
	}
	out := make([]bf.FundInput, 0, len(list))
	for i, fj := range list {
		in, err := f.FromJSON(fj)
		if err != nil {
			return nil, fmt.Errorf("fund %d: %w", i, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// FromJSON validates fj, converts it to bf.FundInput and applies defaults.
func (f *FundFactory) FromJSON(fj FundJSON) (bf.FundInput, error) {
	if err := f.validateJSON(fj); err != nil {
		return bf.FundInput{}, err
	}
	in := bf.FundInput{
		Name:        strings.TrimSpace(fj.Name),
		Details:     strings.TrimSpace(fj.Details),
		AccountType: bf.AccountType(strings.ToLower(strings.TrimSpace(fj.AccountType))),
		AccountInfo: strings.TrimSpace(fj.AccountInfo),
		GroupID:     strings.TrimSpace(fj.GroupID),
		CreatedBy:   strings.TrimSpace(fj.CreatedBy),
		Settings:    parseSettings(fj.Settings),
	}
	if in.AccountType == "" {
		in.AccountType = bf.AccountWallet
	}
	if !in.AccountType.Valid() {
		return bf.FundInput{}, fmt.Errorf("%w: account type %q", bf.ErrInvalidFund, fj.AccountType)
	}
	if err := in.Settings.Validate(); err != nil {
		return bf.FundInput{}, err
	}
	return in, nil
}

// ToJSON is the inverse of FromJSON.
func ToJSON(fund bf.Fund) FundJSON {
	target := fund.Settings.ContributionTarget
	return FundJSON{
		Name:        fund.Name,
		Details:     fund.Details,
		AccountType: string(fund.AccountType),
		AccountInfo: fund.AccountInfo,
		GroupID:     fund.GroupID,
		CreatedBy:   fund.CreatedBy,
		Settings: &SettingsJSON{
			ContributionTarget: &target,
			MinBeneficiaries:   fund.Settings.MinBeneficiaries,
			MaxBeneficiaries:   fund.Settings.MaxBeneficiaries,
		},
	}
}

func (f *FundFactory) validateJSON(fj FundJSON) error {
	err := f.validate.Struct(fj)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", bf.ErrInvalidFund, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, e.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", e.Field(), e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", bf.ErrInvalidFund, strings.Join(msgs, "; "))
}

func parseSettings(sj *SettingsJSON) bf.FundSettings {
	s := bf.DefaultFundSettings()
	if sj == nil {
		return s
	}
	if sj.ContributionTarget != nil {
		s.ContributionTarget = *sj.ContributionTarget
	}
	s.MinBeneficiaries = sj.MinBeneficiaries
	if sj.MaxBeneficiaries > 0 {
		s.MaxBeneficiaries = sj.MaxBeneficiaries
	}
	return s
}

// =============================================================================
// PRESETS
// =============================================================================

// StandardFundJSON returns a wallet-backed fund with a per-case target.
func StandardFundJSON(name, createdBy, target string) string {
	return fmt.Sprintf(`{
  "fund_name": %q,
  "account_type": "wallet",
  "created_by": %q,
  "settings": {"contribution_target": %q, "max_beneficiaries": 1}
}`, name, createdBy, target)
}

// GroupFundJSON returns a mobile-money fund tied to a community group.
func GroupFundJSON(name, createdBy, groupID, phone string) string {
	return fmt.Sprintf(`{
  "fund_name": %q,
  "account_type": "mobile",
  "account_info": %q,
  "group_id": %q,
  "created_by": %q
}`, name, phone, groupID, createdBy)
}
