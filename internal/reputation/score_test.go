package reputation

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/repository/memory"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func boolPtr(v bool) *bool { return &v }

func TestApply_Scores(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []domain.Outcome
		want     [4]float64 // reliability, quality, communication, overall
	}{
		{
			name: "no history is neutral",
			want: [4]float64{0.5, 0.5, 0.5, 0.425},
		},
		{
			name: "one five-star job on time",
			outcomes: []domain.Outcome{
				{Role: domain.RoleProvider, Kind: domain.OutcomeCompleted, Rating: 5, OnTime: boolPtr(true)},
			},
			want: [4]float64{1, 1, 1, 0.853},
		},
		{
			name: "one cancelled job",
			outcomes: []domain.Outcome{
				{Role: domain.RoleProvider, Kind: domain.OutcomeCancelled},
			},
			want: [4]float64{0, 0.5, 0.35, 0.22},
		},
		{
			name: "client outcomes do not touch provider scores",
			outcomes: []domain.Outcome{
				{Role: domain.RoleClient, Kind: domain.OutcomeCompleted, Amount: 100},
			},
			want: [4]float64{0.5, 0.5, 0.5, 0.425},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &domain.AgentReputation{AgentID: "a"}
			Recompute(rep)
			for _, o := range tt.outcomes {
				Apply(rep, o)
			}
			got := [4]float64{rep.Reliability, rep.Quality, rep.Communication, rep.Overall}
			for i := range got {
				if !approx(got[i], tt.want[i]) {
					t.Fatalf("scores = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestApply_AverageAndHistogram(t *testing.T) {
	rep := &domain.AgentReputation{AgentID: "a"}
	for _, r := range []int{5, 3, 4, 0} {
		Apply(rep, domain.Outcome{Role: domain.RoleProvider, Kind: domain.OutcomeCompleted, Rating: r, Amount: 10})
	}

	if rep.RatingCount != 3 || rep.RatingSum != 12 || !approx(rep.AvgRating, 4) {
		t.Fatalf("ratings = count %d sum %d avg %v", rep.RatingCount, rep.RatingSum, rep.AvgRating)
	}
	if rep.RatingCounts != [5]int{0, 0, 1, 1, 1} {
		t.Fatalf("histogram = %v", rep.RatingCounts)
	}
	if rep.TotalJobs != 4 || rep.CompletedJobs != 4 || rep.TotalEarned != 40 {
		t.Fatalf("counters = %+v", rep)
	}
}

func TestApply_ScoresStayBounded(t *testing.T) {
	kinds := []domain.OutcomeKind{domain.OutcomeCompleted, domain.OutcomeCancelled, domain.OutcomeDisputed}
	rep := &domain.AgentReputation{AgentID: "a"}
	for i := 0; i < 300; i++ {
		var onTime *bool
		if i%3 != 0 {
			onTime = boolPtr(i%2 == 0)
		}
		Apply(rep, domain.Outcome{
			Role:   domain.RoleProvider,
			Kind:   kinds[i%len(kinds)],
			Rating: i % 6,
			OnTime: onTime,
			Amount: math.MaxUint64 / 2,
		})
		for _, v := range []float64{rep.Reliability, rep.Quality, rep.Communication, rep.Overall} {
			if v < 0 || v > 1 || math.IsNaN(v) {
				t.Fatalf("step %d: score %v out of [0,1]: %+v", i, v, rep)
			}
		}
	}
	if rep.TotalEarned != math.MaxUint64 {
		t.Fatalf("earned must saturate, got %d", rep.TotalEarned)
	}
}

func TestAggregator_Record(t *testing.T) {
	store := memory.NewStore()
	agg := NewAggregator(store, clock.Fake(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)), zap.NewNop())

	o := domain.Outcome{
		ID: "job:1:provider", AgentID: "seller", Role: domain.RoleProvider,
		Kind: domain.OutcomeCompleted, Source: "acp_job", SourceID: "1", Rating: 4,
	}
	for i := 0; i < 3; i++ {
		if err := agg.Record(t.Context(), o); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	rep, err := agg.Get(t.Context(), "seller")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep.TotalJobs != 1 || rep.RatingCount != 1 {
		t.Fatalf("duplicate delivery applied: %+v", rep)
	}

	for i, bad := range []domain.Outcome{
		{AgentID: "seller", Role: domain.RoleProvider, Kind: domain.OutcomeCompleted},
		{ID: "x", AgentID: "seller", Role: domain.RoleProvider, Kind: "finished"},
		{ID: "y", AgentID: "seller", Role: domain.RoleProvider, Kind: domain.OutcomeCompleted, Rating: 7},
	} {
		t.Run(fmt.Sprintf("invalid-%d", i), func(t *testing.T) {
			if err := agg.Record(t.Context(), bad); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	fresh, err := agg.Get(t.Context(), "newcomer")
	if err != nil || !approx(fresh.Overall, 0.425) {
		t.Fatalf("newcomer = %+v, %v", fresh, err)
	}
}
