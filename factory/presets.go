package factory

import "fmt"

// =============================================================================
// PRESET TARGETS
// =============================================================================
//
// Presets return JSON so they go through the same parser as targets coming
// from the API.

// StandardTargetJSON is a two-tier target with explicit percentages.
func StandardTargetJSON(branchID string, year, month int, minRevenue, maxRevenue, minPct, maxPct string) string {
	return fmt.Sprintf(`{
		"branch_id": %q,
		"year": %d,
		"month": %d,
		"min_revenue": %q,
		"max_revenue": %q,
		"min_percentage": %q,
		"max_percentage": %q
	}`, branchID, year, month, minRevenue, maxRevenue, minPct, maxPct)
}

// DefaultPercentagesTargetJSON leaves percentages to the branch defaults.
func DefaultPercentagesTargetJSON(branchID string, year, month int, minRevenue, maxRevenue string) string {
	return fmt.Sprintf(`{
		"branch_id": %q,
		"year": %d,
		"month": %d,
		"min_revenue": %q,
		"max_revenue": %q
	}`, branchID, year, month, minRevenue, maxRevenue)
}

// YearPlanJSON applies one target to every month of year.
func YearPlanJSON(branchID string, year int, minRevenue, maxRevenue string) string {
	return fmt.Sprintf(`{
		"branch_id": %q,
		"from": "%04d-01",
		"to": "%04d-12",
		"min_revenue": %q,
		"max_revenue": %q
	}`, branchID, year, year, minRevenue, maxRevenue)
}
