// Package eligibility holds the pure predicates that gate draw requests.
package eligibility

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

// Checklist is the fixed set of conditions a job must meet before a draw.
type Checklist struct {
	SignedContractReceived bool `json:"signed_contract_received"`
	InsuranceApproved      bool `json:"insurance_approved"`
	MaterialsOrdered       bool `json:"materials_ordered"`
	InstallScheduled       bool `json:"install_scheduled"`
	DepositCollected       bool `json:"deposit_collected"`
	CustomerPortalActive   bool `json:"customer_portal_active"`
}

func (c Checklist) items() []struct {
	name string
	ok   bool
} {
	return []struct {
		name string
		ok   bool
	}{
		{"signed_contract_received", c.SignedContractReceived},
		{"insurance_approved", c.InsuranceApproved},
		{"materials_ordered", c.MaterialsOrdered},
		{"install_scheduled", c.InstallScheduled},
		{"deposit_collected", c.DepositCollected},
		{"customer_portal_active", c.CustomerPortalActive},
	}
}

// AllEligibilityChecked reports whether every checklist item is true.
func AllEligibilityChecked(c Checklist) bool {
	return len(Missing(c)) == 0
}

// Missing lists the unchecked items in display order.
func Missing(c Checklist) []string {
	var missing []string
	for _, it := range c.items() {
		if !it.ok {
			missing = append(missing, it.name)
		}
	}
	return missing
}

// DrawPolicy parameterizes the draw cap.
type DrawPolicy struct {
	CapRatio decimal.Decimal
	Ceiling  decimal.Decimal
}

// DefaultDrawPolicy caps draws at half the projected commission, or a flat
// 1500 when no estimate exists.
func DefaultDrawPolicy() DrawPolicy {
	return DrawPolicy{
		CapRatio: decimal.RequireFromString("0.5"),
		Ceiling:  decimal.NewFromInt(1500),
	}
}

// MaxDraw returns the largest draw allowed for an estimated commission.
func (p DrawPolicy) MaxDraw(estimatedCommission decimal.Decimal) decimal.Decimal {
	if estimatedCommission.IsPositive() {
		return money.Cents(estimatedCommission.Mul(p.CapRatio))
	}
	return p.Ceiling
}

// CheckDrawAmount validates a requested draw against the cap. A request above
// the flat ceiling with no estimate yields NEEDS_ESTIMATE so the submitter
// knows to fill in contract figures first; any other excess is CAP_EXCEEDED.
func (p DrawPolicy) CheckDrawAmount(requested, estimatedCommission decimal.Decimal) error {
	if !requested.IsPositive() {
		return errors.InvalidInput("requested_draw_amount", "must be greater than zero")
	}

	if !estimatedCommission.IsPositive() {
		if requested.GreaterThan(p.Ceiling) {
			return errors.New(errors.ErrCodeNeedsEstimate,
				fmt.Sprintf("draws above %s require contract and commission figures", p.Ceiling.StringFixed(2))).
				WithDetail("ceiling", p.Ceiling.StringFixed(2))
		}
		return nil
	}

	limit := p.MaxDraw(estimatedCommission)
	if requested.GreaterThan(limit) {
		return errors.New(errors.ErrCodeCapExceeded,
			fmt.Sprintf("requested draw %s exceeds maximum %s", requested.StringFixed(2), limit.StringFixed(2))).
			WithDetail("max_draw", limit.StringFixed(2)).
			WithDetail("estimated_commission", estimatedCommission.StringFixed(2))
	}
	return nil
}

var jobIDPattern = regexp.MustCompile(`^[0-9]{4}$`)

// ValidJobID reports whether id is a 4-digit external job reference.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}
