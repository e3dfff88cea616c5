package model

// BrandVisibility is the per-brand aggregate of a run summary.
type BrandVisibility struct {
	BrandID  string `json:"brand_id"`
	Name     string `json:"brand_name"`
	// Mentions counts responses that mention the brand.
	Mentions int `json:"mentions"`
	// Occurrences sums every match across those responses.
	Occurrences int `json:"occurrences"`
	// VisibilityScore is mentions / total prompts * 100.
	VisibilityScore float64 `json:"visibility_score"`
}

// RunSummary aggregates a run's responses into visibility metrics.
type RunSummary struct {
	RunID          string            `json:"run_id"`
	Status         RunStatus         `json:"status"`
	TotalPrompts   int               `json:"total_prompts"`
	TotalResponses int               `json:"total_responses"`
	ErrorCount     int               `json:"error_count"`
	ErrorRatio     float64           `json:"error_ratio"`
	TotalCostUSD   float64           `json:"total_cost_usd"`
	Brands         []BrandVisibility `json:"brands"`
}

// Summarize computes a RunSummary from a run detail. Errored responses
// count toward TotalResponses and ErrorCount but carry no mentions.
func Summarize(d *RunDetail) *RunSummary {
	s := &RunSummary{
		RunID:          d.ID,
		Status:         d.Status,
		TotalPrompts:   len(d.Prompts),
		TotalResponses: len(d.Responses),
		Brands:         make([]BrandVisibility, 0, len(d.Brands)),
	}

	counts := make(map[string]int, len(d.Brands))
	occurrences := make(map[string]int, len(d.Brands))
	for _, r := range d.Responses {
		s.TotalCostUSD += r.CostUSD
		if r.Failed() {
			s.ErrorCount++
			continue
		}
		for _, m := range r.Mentions {
			if m.Mentioned {
				counts[m.BrandID]++
				occurrences[m.BrandID] += m.Count
			}
		}
	}
	if s.TotalResponses > 0 {
		s.ErrorRatio = float64(s.ErrorCount) / float64(s.TotalResponses)
	}

	for _, b := range d.Brands {
		bv := BrandVisibility{
			BrandID:     b.ID,
			Name:        b.Name,
			Mentions:    counts[b.ID],
			Occurrences: occurrences[b.ID],
		}
		if s.TotalPrompts > 0 {
			bv.VisibilityScore = float64(bv.Mentions) / float64(s.TotalPrompts) * 100
		}
		s.Brands = append(s.Brands, bv)
	}
	return s
}
