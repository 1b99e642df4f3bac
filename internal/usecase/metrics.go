package usecase

import (
	"context"

	"github.com/example/bloodgroup/internal/bloodgroup"
)

// GroupSummary represents aggregated prediction counts for the admin dashboard.
type GroupSummary struct {
	TotalPredictions int64              `json:"total_predictions"`
	ByGroup          map[string]int64   `json:"by_group"`
	Shares           map[string]float64 `json:"shares"`
}

// GetGroupSummary aggregates predictions per blood group from persisted records.
// Every label is present in the result, with zero when unseen.
func (uc *PatientUseCase) GetGroupSummary(ctx context.Context) (*GroupSummary, error) {
	counts, err := uc.repo.CountByGroup(ctx)
	if err != nil {
		return nil, err
	}

	summary := &GroupSummary{
		ByGroup: make(map[string]int64, bloodgroup.NumClasses),
		Shares:  make(map[string]float64, bloodgroup.NumClasses),
	}
	for _, label := range bloodgroup.Labels {
		summary.ByGroup[label] = 0
		summary.Shares[label] = 0
	}
	for _, c := range counts {
		if !bloodgroup.IsLabel(c.PredictedGroup) {
			continue
		}
		summary.ByGroup[c.PredictedGroup] += c.Count
		summary.TotalPredictions += c.Count
	}

	if summary.TotalPredictions > 0 {
		for label, n := range summary.ByGroup {
			summary.Shares[label] = float64(n) / float64(summary.TotalPredictions)
		}
	}
	return summary, nil
}
