// Package deduction computes the tips and overtime deductions. Everything here is pure:
// no I/O, no clocks, no knowledge of tokens.
package deduction

import (
	"fmt"
	"math"

	"github.com/tunaaoguzhann/paygate/core"
)

type FilingStatus string

const (
	Single          FilingStatus = "single"
	MarriedJoint    FilingStatus = "married_joint"
	MarriedSeparate FilingStatus = "married_separate"
	HeadOfHousehold FilingStatus = "head_of_household"
)

// Limits are the per-filing-status caps and the income where phaseout begins.
type Limits struct {
	TipsCap       float64 `yaml:"tips_cap" json:"tips_cap"`
	OvertimeCap   float64 `yaml:"overtime_cap" json:"overtime_cap"`
	PhaseoutStart float64 `yaml:"phaseout_start" json:"phaseout_start"`
}

// Params are the business constants injected into Compute.
type Params struct {
	Limits map[FilingStatus]Limits
	// PhaseoutBand is the income span over which a cap falls linearly to zero.
	PhaseoutBand float64
}

func DefaultParams() Params {
	single := Limits{TipsCap: 25000, OvertimeCap: 12500, PhaseoutStart: 150000}
	return Params{
		Limits: map[FilingStatus]Limits{
			Single:          single,
			MarriedSeparate: single,
			HeadOfHousehold: single,
			MarriedJoint:    {TipsCap: 25000, OvertimeCap: 25000, PhaseoutStart: 300000},
		},
		PhaseoutBand: 250000,
	}
}

type Input struct {
	FilingStatus       FilingStatus `json:"filing_status"`
	Income             float64      `json:"income"`
	MAGI               float64      `json:"magi"`
	Tips               float64      `json:"tips"`
	OvertimeTotal      float64      `json:"ot_total"`
	OvertimeMultiplier float64      `json:"ot_multiplier"`
}

type Result struct {
	MAGI              float64 `json:"magi"`
	TipsCap           float64 `json:"tips_cap"`
	TipsDeduction     float64 `json:"tips_deduction"`
	OvertimePremium   float64 `json:"ot_premium"`
	OvertimeCap       float64 `json:"ot_cap"`
	OvertimeDeduction float64 `json:"ot_deduction"`
	Total             float64 `json:"total"`
}

// Validate reports input the calculator refuses. It must pass before any use is spent.
func (in Input) Validate(p Params) error {
	if _, ok := p.Limits[in.FilingStatus]; !ok {
		return invalid("unknown filing status %q", in.FilingStatus)
	}
	for name, v := range map[string]float64{
		"income":        in.Income,
		"magi":          in.MAGI,
		"tips":          in.Tips,
		"ot_total":      in.OvertimeTotal,
		"ot_multiplier": in.OvertimeMultiplier,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("%s must be a non-negative number", name)
		}
	}
	if in.Income <= 0 && in.MAGI <= 0 {
		return invalid("income must be greater than zero")
	}
	if in.Tips <= 0 && in.OvertimeTotal <= 0 {
		return invalid("tips or overtime must be greater than zero")
	}
	if in.OvertimeTotal > 0 && in.OvertimeMultiplier <= 1 {
		return invalid("overtime multiplier must be greater than 1")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Phaseout returns maxCap reduced linearly to zero across (start, start+band].
func Phaseout(magi, maxCap, start, band float64) float64 {
	if magi <= start {
		return maxCap
	}
	if band <= 0 || magi >= start+band {
		return 0
	}
	return maxCap * (1 - (magi-start)/band)
}

// OvertimePremium is the part of overtime pay above straight time.
func OvertimePremium(total, multiplier float64) float64 {
	if total <= 0 || multiplier <= 1 {
		return 0
	}
	return total * (multiplier - 1) / multiplier
}

// Compute applies the capped, phased-out deduction formula.
func Compute(in Input, p Params) (Result, error) {
	if err := in.Validate(p); err != nil {
		return Result{}, err
	}
	lim := p.Limits[in.FilingStatus]
	magi := in.MAGI
	if magi == 0 {
		magi = in.Income
	}

	tipsCap := Phaseout(magi, lim.TipsCap, lim.PhaseoutStart, p.PhaseoutBand)
	otCap := Phaseout(magi, lim.OvertimeCap, lim.PhaseoutStart, p.PhaseoutBand)
	premium := OvertimePremium(in.OvertimeTotal, in.OvertimeMultiplier)

	tips := cents(math.Min(in.Tips, tipsCap))
	ot := cents(math.Min(premium, otCap))
	return Result{
		MAGI:              magi,
		TipsCap:           cents(tipsCap),
		TipsDeduction:     tips,
		OvertimePremium:   cents(premium),
		OvertimeCap:       cents(otCap),
		OvertimeDeduction: ot,
		Total:             cents(tips + ot),
	}, nil
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}
