package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/platform/config"
)

// PaySchedule assigns the payroll date a submission is expected to be paid on.
type PaySchedule struct {
	Weekday  time.Weekday
	LeadDays int
}

// NextPayDate returns the first pay weekday at least LeadDays after the
// submission date, at midnight UTC.
func (p PaySchedule) NextPayDate(submitted time.Time) time.Time {
	y, m, d := submitted.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, p.LeadDays)
	for day.Weekday() != p.Weekday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// CommissionOptions tunes CommissionService.
type CommissionOptions struct {
	DrawPolicy    eligibility.DrawPolicy
	PaySchedule   PaySchedule
	ConflictRetry int
	Now           func() time.Time
}

// DefaultCommissionOptions uses the standard draw cap and a Friday payroll
// one week out.
func DefaultCommissionOptions() CommissionOptions {
	return CommissionOptions{
		DrawPolicy:    eligibility.DefaultDrawPolicy(),
		PaySchedule:   PaySchedule{Weekday: time.Friday, LeadDays: 7},
		ConflictRetry: 1,
		Now:           time.Now,
	}
}

// CommissionOptionsFromConfig parses the configured business constants.
func CommissionOptionsFromConfig(cfg config.CommissionConfig) (CommissionOptions, error) {
	opts := DefaultCommissionOptions()

	ratio, err := decimal.NewFromString(cfg.DrawCapRatio)
	if err != nil || ratio.IsNegative() {
		return opts, fmt.Errorf("invalid draw_cap_ratio %q", cfg.DrawCapRatio)
	}
	ceiling, err := decimal.NewFromString(cfg.DrawCeiling)
	if err != nil || ceiling.IsNegative() {
		return opts, fmt.Errorf("invalid draw_ceiling %q", cfg.DrawCeiling)
	}

	opts.DrawPolicy = eligibility.DrawPolicy{CapRatio: ratio, Ceiling: ceiling}
	if cfg.ConflictRetry < 1 {
		return opts, fmt.Errorf("invalid conflict_retry %d: at least one retry is required", cfg.ConflictRetry)
	}

	opts.PaySchedule = PaySchedule{Weekday: cfg.PayWeekday, LeadDays: cfg.PayLeadDays}
	opts.ConflictRetry = cfg.ConflictRetry
	return opts, nil
}
