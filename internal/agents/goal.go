package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Default annual return assumption for goal projections, as a fraction.
const defaultAnnualReturn = 0.07

// GoalPlanner projects savings goals: given a target, a horizon and a
// monthly contribution it compounds the contributions at the assumed
// return and reports whether the goal is on track. Pure arithmetic, no
// external calls.
type GoalPlanner struct{}

// NewGoalPlanner creates the goal planning specialist.
func NewGoalPlanner() *GoalPlanner { return &GoalPlanner{} }

func (g *GoalPlanner) Name() string                   { return NameGoal }
func (g *GoalPlanner) Timeout() time.Duration         { return 0 }
func (g *GoalPlanner) CacheTTL() time.Duration        { return 0 }
func (g *GoalPlanner) CacheKey(map[string]any) string { return "" }

func (g *GoalPlanner) Analyze(_ context.Context, input map[string]any) (map[string]any, error) {
	name := stringInput(input, "name", "goal")
	target := floatInput(input, "target_amount", 0)
	months := intInput(input, "horizon_months", 0)
	monthly := floatInput(input, "monthly_contribution", 0)
	annualReturn := floatInput(input, "annual_return", defaultAnnualReturn)

	if target <= 0 || months <= 0 {
		return nil, fault.Wrap(fault.ErrValidation, "target_amount and horizon_months must be positive")
	}
	if monthly < 0 {
		return nil, fault.Wrap(fault.ErrValidation, "monthly_contribution cannot be negative")
	}

	monthlyRate := annualReturn / 12
	projected := floatInput(input, "current_amount", 0)
	for i := 0; i < months; i++ {
		projected = projected*(1+monthlyRate) + monthly
	}

	data := &market.GoalData{
		Name:                name,
		TargetAmount:        decimal.NewFromFloat(target).Round(2),
		HorizonMonths:       months,
		MonthlyContribution: decimal.NewFromFloat(monthly).Round(2),
		ProjectedValue:      decimal.NewFromFloat(projected).Round(2),
	}

	if projected >= target {
		data.Notes = fmt.Sprintf("On track: projected %.2f against a %.2f target over %d months.", projected, target, months)
	} else {
		shortfall := target - projected
		// Required extra monthly contribution, ignoring compounding on the delta.
		extra := shortfall / float64(months)
		data.Notes = fmt.Sprintf("Shortfall of %.2f; roughly %.2f more per month would close the gap.", shortfall, extra)
	}

	return map[string]any{"goal": data}, nil
}
