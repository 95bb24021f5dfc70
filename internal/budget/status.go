package budget

import "github.com/efox/shoplist/internal/model"

const (
	tightThreshold = 0.8
	overThreshold  = 1.0
)

// Classify maps a spend total and an optional budget ceiling to a status.
// A nil or non-positive budget means the list is untracked, not an error.
// Both thresholds are strict: spending exactly 80% of the budget is still
// On Budget, and spending exactly 100% is Tight Budget.
func Classify(spent float64, budget *float64) model.BudgetStatus {
	if budget == nil || *budget <= 0 {
		return model.StatusNoBudget
	}

	ratio := spent / *budget
	switch {
	case ratio > overThreshold:
		return model.StatusOverBudget
	case ratio > tightThreshold:
		return model.StatusTightBudget
	default:
		return model.StatusOnBudget
	}
}
