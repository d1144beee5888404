package scoring

import (
	"fmt"
	"math"

	"git.handmade.network/hmn/reviewq/src/models"
)

const (
	// Staff flag as if they were this trust level.
	StaffWeight = 5.0
	// The accuracy bonus tops out here, for a flagger who was always right.
	MaxAccuracyBonus = 5.0
	// Flaggers with this many reviewed flags or fewer get no accuracy bonus.
	MinFlagsForAccuracy = 5
	// Added when the flagger asks for immediate action (staff hiding a post
	// while flagging it).
	TakeActionBonus = 5.0
)

/*
The share of a user's reviewed flags that moderators agreed with, scaled to
MaxAccuracyBonus. Users with too little history get nothing rather than a
noisy ratio.

	AccuracyBonus(UserStats{FlagsAgreed: 8, FlagsDisagreed: 2}) == 4.0
*/
func AccuracyBonus(stats models.UserStats) float64 {
	total := stats.FlagsTotal()
	if total <= MinFlagsForAccuracy {
		return 0
	}
	return (float64(stats.FlagsAgreed) / float64(total)) * MaxAccuracyBonus
}

// 1 + trust level (or StaffWeight for staff) + accuracy bonus.
func UserWeight(user *models.User, stats models.UserStats) float64 {
	base := float64(user.TrustLevel)
	if user.Staff {
		base = StaffWeight
	}
	return 1.0 + base + AccuracyBonus(stats)
}

/*
The score a new flag contributes. typeBonus is the flag's own score_bonus.
Returns the full score and the take-action part of it separately, since the
latter is stored in its own column.
*/
func CalculateScore(user *models.User, stats models.UserStats, typeBonus float64, takeAction bool) (score float64, takeActionBonus float64) {
	if takeAction {
		takeActionBonus = TakeActionBonus
	}
	return UserWeight(user, stats) + typeBonus + takeActionBonus, takeActionBonus
}

// The sum of the scores that still count: pending ones and ones moderators
// agreed with.
func Aggregate(scores []*models.ReviewableScore) float64 {
	var total float64
	for _, s := range scores {
		if Counts(s.Status) {
			total += s.Score
		}
	}
	return total
}

func Counts(status models.ScoreStatus) bool {
	return status == models.ScorePending || status == models.ScoreAgreed
}

// How eagerly flagged posts are hidden. The value is the divisor used in
// ScoreToHide; lower means more eager.
type Sensitivity int

const (
	SensitivityDisabled Sensitivity = 0
	SensitivityLow      Sensitivity = 9
	SensitivityMedium   Sensitivity = 6
	SensitivityHigh     Sensitivity = 3
)

func ParseSensitivity(s string) (Sensitivity, error) {
	switch s {
	case "disabled":
		return SensitivityDisabled, nil
	case "low":
		return SensitivityLow, nil
	case "medium":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	}
	return 0, fmt.Errorf("unknown sensitivity %q", s)
}

/*
The aggregate score at which a post with auto-action flags is hidden:

	highPriorityMinScore * (sensitivity / 9)

Disabled never hides.
*/
func ScoreToHide(highPriorityMinScore float64, sensitivity Sensitivity) float64 {
	if sensitivity == SensitivityDisabled {
		return math.Inf(1)
	}
	return highPriorityMinScore * (float64(sensitivity) / float64(SensitivityLow))
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Minimum aggregate scores for the medium and high priority bands.
type Thresholds struct {
	Medium float64
	High   float64
}

func (t Thresholds) PriorityFor(score float64) Priority {
	switch {
	case score >= t.High:
		return PriorityHigh
	case score >= t.Medium:
		return PriorityMedium
	}
	return PriorityLow
}

func (t Thresholds) MinScore(p Priority) float64 {
	switch p {
	case PriorityHigh:
		return t.High
	case PriorityMedium:
		return t.Medium
	}
	return 0
}
