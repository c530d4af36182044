package challenge

import "loreline/internal/domain"

type OutcomeType string

const (
	CriticalSuccess OutcomeType = "critical_success"
	Success         OutcomeType = "success"
	Partial         OutcomeType = "partial"
	Failure         OutcomeType = "failure"
	CriticalFailure OutcomeType = "critical_failure"
)

// IsSuccess reports whether the outcome counts as a success for triggers.
func (o OutcomeType) IsSuccess() bool {
	return o == Success || o == CriticalSuccess || o == Partial
}

// Default PbtA bands for descriptor difficulties.
const (
	defaultFullSuccess    = 10
	defaultPartialSuccess = 7
)

// Roll is a die result plus the character's modifier. Sides is the die size
// when known, used for natural crits on a d20 and percentile limits.
type Roll struct {
	Natural  int
	Modifier int
	Sides    int
}

func (r Roll) Total() int { return r.Natural + r.Modifier }

// Classify maps a roll to an outcome type. It depends only on the difficulty,
// the outcomes the challenge defines and the roll. A critical result is only
// produced when the challenge has an outcome for it; otherwise the total is
// compared as usual.
func Classify(d domain.Difficulty, o domain.ChallengeOutcomes, r Roll) OutcomeType {
	critSuccess := o.CriticalSuccess != nil
	critFailure := o.CriticalFailure != nil
	total := r.Total()
	switch d.Kind {
	case domain.DifficultyDC:
		if t := d.Thresholds; t != nil {
			if crit, ok := criticalBand(t, total, critSuccess, critFailure); ok {
				return crit
			}
		} else if r.Sides == 20 {
			switch {
			case r.Natural == 20 && critSuccess:
				return CriticalSuccess
			case r.Natural == 1 && critFailure:
				return CriticalFailure
			}
		}
		if total >= d.Value {
			return Success
		}
		return Failure
	case domain.DifficultyPercentage:
		// Lower is better and only the natural roll counts against the target.
		switch {
		case r.Natural == 1 && critSuccess:
			return CriticalSuccess
		case r.Natural == 100 && critFailure:
			return CriticalFailure
		}
		if r.Natural <= d.Value {
			return Success
		}
		return Failure
	case domain.DifficultyDescriptor:
		t := domain.Thresholds{FullSuccess: defaultFullSuccess, PartialSuccess: defaultPartialSuccess}
		if d.Thresholds != nil {
			t = *d.Thresholds
		}
		if crit, ok := criticalBand(&t, total, critSuccess, critFailure); ok {
			return crit
		}
		switch {
		case total >= t.FullSuccess:
			return Success
		case total >= t.PartialSuccess:
			return Partial
		default:
			return Failure
		}
	case domain.DifficultyOpposed:
		if d.Value > 0 && total < d.Value {
			return Failure
		}
		return Success
	default:
		return Success
	}
}

func criticalBand(t *domain.Thresholds, total int, critSuccess, critFailure bool) (OutcomeType, bool) {
	if critSuccess && t.CriticalSuccess != nil && total >= *t.CriticalSuccess {
		return CriticalSuccess, true
	}
	if critFailure && t.CriticalFailure != nil && total <= *t.CriticalFailure {
		return CriticalFailure, true
	}
	return "", false
}

// SelectOutcome returns the challenge outcome for a classification. Critical
// results fall back to plain success or failure, partial to success, when the
// challenge defines no specific outcome for them.
func SelectOutcome(o domain.ChallengeOutcomes, kind OutcomeType) (OutcomeType, domain.Outcome) {
	switch kind {
	case CriticalSuccess:
		if o.CriticalSuccess != nil {
			return kind, *o.CriticalSuccess
		}
		return Success, o.Success
	case CriticalFailure:
		if o.CriticalFailure != nil {
			return kind, *o.CriticalFailure
		}
		return Failure, o.Failure
	case Partial:
		if o.Partial != nil {
			return kind, *o.Partial
		}
		return Success, o.Success
	case Failure:
		return kind, o.Failure
	default:
		return Success, o.Success
	}
}

// DefaultDice suggests a formula for a difficulty kind.
func DefaultDice(d domain.Difficulty) string {
	switch d.Kind {
	case domain.DifficultyPercentage:
		return "1d100"
	case domain.DifficultyDescriptor:
		return "2d6"
	default:
		return "1d20"
	}
}
