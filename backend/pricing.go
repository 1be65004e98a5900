package backend

import (
	"math"
	"strings"
)

// Usage accumulates token counts across the calls that made up a job.
type Usage struct {
	Prompt     int64
	Cached     int64
	Completion int64
}

// Add folds one response's counts into the running total.
func (u *Usage) Add(prompt, cached, completion int64) {
	u.Prompt += prompt
	u.Cached += cached
	u.Completion += completion
}

// rate holds per-million-token USD prices.
type rate struct {
	input  float64
	cached float64
	output float64
}

// Prices track the published per-model rates. Matching is by substring so
// dated variants ("gpt-4o-2024-11-20") pick up the base model's rate.
var pricing = map[string]rate{
	"gpt-5.2":    {input: 1.75, cached: 0.175, output: 14.00},
	"gpt-5-mini": {input: 0.25, cached: 0.025, output: 2.00},
	"gpt-4o":     {input: 2.50, cached: 1.25, output: 10.00},
}

// pricingOrder keeps lookup deterministic when one model ID is a prefix of
// another (gpt-5-mini must win over a hypothetical gpt-5 entry).
var pricingOrder = []string{"gpt-5.2", "gpt-5-mini", "gpt-4o"}

// Cost computes the USD cost of the accumulated usage for the given model,
// rounded to four decimal places. Unknown models cost zero, which covers
// local inference.
func Cost(modelID string, u Usage) float64 {
	var r rate
	found := false
	for _, key := range pricingOrder {
		if strings.Contains(modelID, key) {
			r = pricing[key]
			found = true
			break
		}
	}
	if !found {
		return 0
	}

	billable := u.Prompt - u.Cached
	if billable < 0 {
		billable = 0
	}
	total := (float64(billable)*r.input + float64(u.Cached)*r.cached + float64(u.Completion)*r.output) / 1e6
	return math.Round(total*10000) / 10000
}
