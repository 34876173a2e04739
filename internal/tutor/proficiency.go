package tutor

import "math"

// QuestionTypeStructured marks multi-part written questions, which
// carry more evidentiary weight than multiple choice.
const QuestionTypeStructured = "structured"

// ProficiencyPolicy holds the tuning constants for mastery updates.
// The values were arrived at by trial, not derivation, so they live in
// a struct rather than as hard-coded invariants.
type ProficiencyPolicy struct {
	// BaseRate scales every update; the effective rate shrinks as
	// mastery approaches 1, modeling diminishing returns.
	BaseRate float64
	// StructuredWeight and DefaultWeight weight the observed score by
	// question type.
	StructuredWeight float64
	DefaultWeight    float64
	// PenaltyMultiplier amplifies negative changes once mastery
	// exceeds PenaltyThreshold, so wrong answers hurt more for
	// students claiming high mastery.
	PenaltyMultiplier float64
	PenaltyThreshold  float64
}

func DefaultProficiencyPolicy() ProficiencyPolicy {
	return ProficiencyPolicy{
		BaseRate:          0.05,
		StructuredWeight:  1.0,
		DefaultWeight:     0.6,
		PenaltyMultiplier: 1.5,
		PenaltyThreshold:  0.6,
	}
}

// Adjust maps (current mastery, observed score, question type) to a new
// mastery level in [0,1]. Inputs outside the unit interval are clamped,
// never rejected. The result is rounded to 4 decimal places so stored
// values stay stable across round trips.
func (p ProficiencyPolicy) Adjust(currentLevel, score float64, questionType string) float64 {
	currentLevel = clamp01(currentLevel)
	score = clamp01(score)

	baseRate := p.BaseRate * (1 - currentLevel)

	typeWeight := p.DefaultWeight
	if questionType == QuestionTypeStructured {
		typeWeight = p.StructuredWeight
	}

	// score 0.5 is neutral; below it the delta turns negative.
	delta := (score - 0.5) * 2
	change := baseRate * typeWeight * delta

	if delta < 0 && currentLevel > p.PenaltyThreshold {
		change *= p.PenaltyMultiplier
	}

	return round4(clamp01(currentLevel + change))
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
