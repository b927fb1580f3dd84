package credit

import "strings"

// Plan is a subscription tier that determines the monthly grant and the
// largest result batch a single request may ask for.
type Plan string

// Subscription tiers.
const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

var planGrants = map[Plan]Amount{
	PlanFree:     250,
	PlanStarter:  2000,
	PlanPro:      7000,
	PlanBusiness: 20000,
}

var planMaxUnits = map[Plan]int64{
	PlanFree:     30,
	PlanStarter:  60,
	PlanPro:      90,
	PlanBusiness: 120,
}

// ParsePlan validates a raw plan name.
func ParsePlan(raw string) (Plan, error) {
	candidate := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if _, known := planGrants[candidate]; !known {
		return "", ErrInvalidPlan
	}
	return candidate, nil
}

// String returns the plan name.
func (plan Plan) String() string {
	return string(plan)
}

// MonthlyGrant returns the credits granted at the start of each cycle.
func (plan Plan) MonthlyGrant() Amount {
	return planGrants[plan]
}

// MaxRequestedUnits returns the largest result batch the plan permits.
func (plan Plan) MaxRequestedUnits() int64 {
	return planMaxUnits[plan]
}

// Paid reports whether the plan carries a recurring payment. Paid plans
// anchor their grant cycle to the most recent payment rather than signup.
func (plan Plan) Paid() bool {
	return plan != PlanFree
}
