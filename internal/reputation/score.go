package reputation

import (
	"math/bits"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const (
	neutralScore = 0.5

	weightReliability   = 0.35
	weightQuality       = 0.30
	weightCommunication = 0.20
	weightExperience    = 0.15

	// Столько завершенных заказов дают полный балл опыта
	experienceJobs = 50
)

// Apply добавляет исход в счетчики агента и пересчитывает оценки.
// Работает только со строкой агента, история не перечитывается.
func Apply(rep *domain.AgentReputation, o domain.Outcome) {
	switch o.Role {
	case domain.RoleClient:
		rep.ClientJobs++
		if o.Kind == domain.OutcomeCompleted {
			rep.TotalSpent = addSat(rep.TotalSpent, o.Amount)
			rep.TotalVolume = addSat(rep.TotalVolume, o.Amount)
		}
	default:
		rep.TotalJobs++
		switch o.Kind {
		case domain.OutcomeCompleted:
			rep.CompletedJobs++
			rep.TotalEarned = addSat(rep.TotalEarned, o.Amount)
			rep.TotalVolume = addSat(rep.TotalVolume, o.Amount)
		case domain.OutcomeCancelled:
			rep.CancelledJobs++
		case domain.OutcomeDisputed:
			rep.DisputedJobs++
		}
		if o.OnTime != nil {
			rep.DeadlineJobs++
			if *o.OnTime {
				rep.OnTimeJobs++
			}
		}
		if o.Rating >= 1 && o.Rating <= 5 {
			rep.RatingCounts[o.Rating-1]++
			rep.RatingCount++
			rep.RatingSum += o.Rating
			rep.AvgRating = float64(rep.RatingSum) / float64(rep.RatingCount)
		}
	}

	Recompute(rep)
}

// Recompute — детерминированная функция от счетчиков, все оценки в [0,1]
func Recompute(rep *domain.AgentReputation) {
	rep.Reliability = reliability(rep)
	rep.Quality = quality(rep)
	rep.Communication = communication(rep)
	rep.Overall = clamp(
		weightReliability*rep.Reliability +
			weightQuality*rep.Quality +
			weightCommunication*rep.Communication +
			weightExperience*experience(rep))
}

func reliability(rep *domain.AgentReputation) float64 {
	if rep.TotalJobs == 0 {
		return neutralScore
	}
	total := float64(rep.TotalJobs)
	completion := float64(rep.CompletedJobs) / total
	cancelPenalty := min(0.2, float64(rep.CancelledJobs)/total*0.5)
	disputePenalty := min(0.3, float64(rep.DisputedJobs)/total)
	return clamp(completion - cancelPenalty - disputePenalty + onTimeRate(rep)*0.2)
}

func quality(rep *domain.AgentReputation) float64 {
	if rep.RatingCount == 0 {
		return neutralScore
	}
	score := (rep.AvgRating - 1) / 4
	// Бонус за объем отзывов
	score += min(0.1, float64(rep.RatingCount)/100)
	// Бонус за долю пятерок
	if float64(rep.RatingCounts[4])/float64(rep.RatingCount) >= 0.5 {
		score += 0.05
	}
	return clamp(score)
}

func communication(rep *domain.AgentReputation) float64 {
	if rep.TotalJobs == 0 && rep.RatingCount == 0 {
		return neutralScore
	}
	onTime := neutralScore
	if rep.DeadlineJobs > 0 {
		onTime = onTimeRate(rep)
	}
	completion := neutralScore
	if rep.TotalJobs > 0 {
		completion = float64(rep.CompletedJobs) / float64(rep.TotalJobs)
	}
	rating := neutralScore
	if rep.RatingCount > 0 {
		rating = (rep.AvgRating - 1) / 4
	}
	return clamp(0.5*onTime + 0.3*completion + 0.2*rating)
}

func experience(rep *domain.AgentReputation) float64 {
	return min(1, float64(rep.CompletedJobs)/experienceJobs)
}

func onTimeRate(rep *domain.AgentReputation) float64 {
	if rep.DeadlineJobs == 0 {
		return 0
	}
	return float64(rep.OnTimeJobs) / float64(rep.DeadlineJobs)
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

// addSat — сложение с насыщением: денежные счетчики не переполняются
func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}
