package money

import (
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

var one = decimal.NewFromInt(1)

// Expense is one line of an itemized commission document. Positive expenses
// are credits back to the job, negative expenses are costs.
type Expense struct {
	Label    string          `json:"label"`
	Amount   decimal.Decimal `json:"amount"`
	Positive bool            `json:"positive"`
}

// ItemizedInputs feed the itemized-document variant. Percentages are
// fractions (0.10 means ten percent).
type ItemizedInputs struct {
	GrossContractTotal decimal.Decimal `json:"gross_contract_total"`
	OPPercent          decimal.Decimal `json:"op_percent"`
	MaterialCost       decimal.Decimal `json:"material_cost"`
	LaborCost          decimal.Decimal `json:"labor_cost"`
	Expenses           []Expense       `json:"expenses"`
	RepProfitPercent   decimal.Decimal `json:"rep_profit_percent"`
}

// ItemizedResult holds the derived itemized figures.
type ItemizedResult struct {
	OPAmount         decimal.Decimal `json:"op_amount"`
	ContractTotalNet decimal.Decimal `json:"contract_total_net"`
	NetProfit        decimal.Decimal `json:"net_profit"`
	RepCommission    decimal.Decimal `json:"rep_commission"`
	CompanyProfit    decimal.Decimal `json:"company_profit"`
}

// Itemized computes overhead-and-profit, net profit and the rep/company split.
func Itemized(in ItemizedInputs) (ItemizedResult, error) {
	if err := in.validate(); err != nil {
		return ItemizedResult{}, err
	}

	opAmount := Cents(in.GrossContractTotal.Mul(in.OPPercent))
	contractNet := Cents(in.GrossContractTotal.Sub(opAmount))

	profit := contractNet.Sub(in.MaterialCost).Sub(in.LaborCost)
	for _, e := range in.Expenses {
		if e.Positive {
			profit = profit.Add(e.Amount)
		} else {
			profit = profit.Sub(e.Amount)
		}
	}
	profit = Cents(profit)

	repCommission := Cents(profit.Mul(in.RepProfitPercent))

	return ItemizedResult{
		OPAmount:         opAmount,
		ContractTotalNet: contractNet,
		NetProfit:        profit,
		RepCommission:    repCommission,
		CompanyProfit:    Cents(profit.Sub(repCommission)),
	}, nil
}

func (in ItemizedInputs) validate() error {
	if in.GrossContractTotal.IsNegative() {
		return errors.InvalidInput("gross_contract_total", "cannot be negative")
	}
	if in.MaterialCost.IsNegative() {
		return errors.InvalidInput("material_cost", "cannot be negative")
	}
	if in.LaborCost.IsNegative() {
		return errors.InvalidInput("labor_cost", "cannot be negative")
	}
	if in.OPPercent.IsNegative() || in.OPPercent.GreaterThan(one) {
		return errors.InvalidInput("op_percent", "must be a fraction between 0 and 1")
	}
	if in.RepProfitPercent.IsNegative() || in.RepProfitPercent.GreaterThan(one) {
		return errors.InvalidInput("rep_profit_percent", "must be a fraction between 0 and 1")
	}
	for _, e := range in.Expenses {
		if e.Amount.IsNegative() {
			return errors.InvalidInput("expenses", "expense amounts are unsigned; use positive to mark credits")
		}
	}
	return nil
}
