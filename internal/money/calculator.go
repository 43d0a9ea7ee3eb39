// Package money derives commission amounts from raw job figures.
//
// Every function is pure. Derived values are rounded to cents at the point
// they are produced so that chained calculations never carry sub-cent drift.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Inputs are the monetary fields a submitter provides.
type Inputs struct {
	ContractAmount       decimal.Decimal `json:"contract_amount"`
	SupplementsApproved  decimal.Decimal `json:"supplements_approved"`
	CommissionPercentage decimal.Decimal `json:"commission_percentage"`
	IsFlatFee            bool            `json:"is_flat_fee"`
	FlatFeeAmount        decimal.Decimal `json:"flat_fee_amount"`
	AdvancesPaid         decimal.Decimal `json:"advances_paid"`
	OverridePercentage   decimal.Decimal `json:"override_percentage"`
}

// Result holds the derived fields.
type Result struct {
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	GrossCommission   decimal.Decimal `json:"gross_commission"`
	NetCommissionOwed decimal.Decimal `json:"net_commission_owed"`
	OverrideAmount    decimal.Decimal `json:"override_amount"`
}

// Cents rounds half away from zero to two decimals.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Stored precision of amounts and percentages.
const (
	AmountPlaces  = 2
	PercentPlaces = 4
)

// Validate rejects negative amounts, out-of-range percentages and values
// more precise than their stored columns.
func (in Inputs) Validate() error {
	if err := ValidAmount("contract_amount", in.ContractAmount); err != nil {
		return err
	}
	if err := ValidAmount("supplements_approved", in.SupplementsApproved); err != nil {
		return err
	}
	if err := ValidAmount("advances_paid", in.AdvancesPaid); err != nil {
		return err
	}
	if in.IsFlatFee {
		if err := ValidAmount("flat_fee_amount", in.FlatFeeAmount); err != nil {
			return err
		}
	} else if err := validPercent("commission_percentage", in.CommissionPercentage); err != nil {
		return err
	}
	if err := checkPlaces("flat_fee_amount", in.FlatFeeAmount, AmountPlaces); err != nil {
		return err
	}
	if err := checkPlaces("commission_percentage", in.CommissionPercentage, PercentPlaces); err != nil {
		return err
	}
	return validPercent("override_percentage", in.OverridePercentage)
}

// ValidAmount rejects negative amounts and amounts with fractional cents.
func ValidAmount(field string, a decimal.Decimal) error {
	if a.IsNegative() {
		return errors.InvalidInput(field, "cannot be negative")
	}
	return checkPlaces(field, a, AmountPlaces)
}

func validPercent(field string, p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return errors.InvalidInput(field, "must be between 0 and 100")
	}
	return checkPlaces(field, p, PercentPlaces)
}

func checkPlaces(field string, v decimal.Decimal, places int32) error {
	if !v.Equal(v.Round(places)) {
		return errors.InvalidInput(field, fmt.Sprintf("at most %d decimal places allowed", places))
	}
	return nil
}

// Calculate validates in and derives every output field.
func Calculate(in Inputs) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	revenue := TotalRevenue(in.ContractAmount, in.SupplementsApproved)
	gross := GrossCommission(in, revenue)

	return Result{
		TotalRevenue:      revenue,
		GrossCommission:   gross,
		NetCommissionOwed: NetCommissionOwed(gross, in.AdvancesPaid),
		OverrideAmount:    OverrideAmount(revenue, in.OverridePercentage),
	}, nil
}

// TotalRevenue is contract plus approved supplements.
func TotalRevenue(contract, supplements decimal.Decimal) decimal.Decimal {
	return Cents(contract.Add(supplements))
}

// GrossCommission is the flat fee for flat-fee submissions, otherwise the
// commission percentage of total revenue.
func GrossCommission(in Inputs, totalRevenue decimal.Decimal) decimal.Decimal {
	if in.IsFlatFee {
		return Cents(in.FlatFeeAmount)
	}
	return Cents(totalRevenue.Mul(in.CommissionPercentage).Div(hundred))
}

// NetCommissionOwed subtracts advances already paid. The result keeps its
// sign: a negative value means the rep was overpaid.
func NetCommissionOwed(gross, advancesPaid decimal.Decimal) decimal.Decimal {
	return Cents(gross.Sub(advancesPaid))
}

// OverrideAmount is the manager override share of total revenue.
func OverrideAmount(totalRevenue, overridePercentage decimal.Decimal) decimal.Decimal {
	if overridePercentage.IsZero() {
		return zero
	}
	return Cents(totalRevenue.Mul(overridePercentage).Div(hundred))
}

// EstimatedCommission is the commission the current inputs would earn. It
// drives the draw cap. Invalid inputs estimate to zero.
func EstimatedCommission(in Inputs) decimal.Decimal {
	res, err := Calculate(in)
	if err != nil {
		return zero
	}
	return res.GrossCommission
}
