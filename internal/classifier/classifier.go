// Package classifier turns raw request text into a complexity tier.
//
// The decision is rule based: a cheap token estimate and a keyword signal
// score are compared against configurable thresholds, complex first. The
// same text, metadata and configuration always produce the same decision.
package classifier

import (
	"context"
	"fmt"

	"github.com/tierroute/tierroute/pkg/models"
)

// Thresholds are the tunable tier boundaries.
type Thresholds struct {
	// SimpleMax is the largest token estimate that can still be simple.
	SimpleMax int
	// MediumMax is the largest token estimate that can still be medium.
	MediumMax int
	// MediumScore is the signal score that forces at least medium.
	MediumScore int
	// ComplexScore is the signal score that forces complex.
	ComplexScore int
}

// DefaultThresholds returns the stock boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SimpleMax:    25,
		MediumMax:    100,
		MediumScore:  2,
		ComplexScore: 5,
	}
}

// Validate rejects boundaries that would break tier monotonicity.
func (t Thresholds) Validate() error {
	if t.SimpleMax < 0 || t.MediumMax < 0 || t.MediumScore < 0 || t.ComplexScore < 0 {
		return fmt.Errorf("thresholds must be non-negative: %+v", t)
	}
	if t.SimpleMax > t.MediumMax {
		return fmt.Errorf("simple max (%d) exceeds medium max (%d)", t.SimpleMax, t.MediumMax)
	}
	if t.MediumScore > t.ComplexScore {
		return fmt.Errorf("medium score threshold (%d) exceeds complex threshold (%d)", t.MediumScore, t.ComplexScore)
	}
	return nil
}

// Classifier maps text to a ClassificationDecision. It never fails.
type Classifier struct {
	estimator  *Estimator
	thresholds Thresholds
}

// New builds a classifier. Thresholds are validated so a bad deployment
// fails at startup instead of misrouting.
func New(kw Keywords, th Thresholds) (*Classifier, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{estimator: NewEstimator(kw), thresholds: th}, nil
}

// Thresholds returns the configured boundaries.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify returns the tier decision for text.
//
// A valid metadata["force_tier"] wins outright with reason
// forced_by_metadata; the token estimate and the real heuristic score are
// still reported so overrides stay observable.
func (c *Classifier) Classify(text string, metadata map[string]interface{}) models.ClassificationDecision {
	tokens, score := c.estimator.Estimate(text)

	if forced, ok := ForcedTier(metadata); ok {
		return models.ClassificationDecision{
			Tier:           forced,
			TokensEstimate: tokens,
			Score:          score,
			Reason:         models.ReasonForced,
		}
	}

	tier, reason := c.Decide(tokens, score)
	return models.ClassificationDecision{
		Tier:           tier,
		TokensEstimate: tokens,
		Score:          score,
		Reason:         reason,
	}
}

// Decide applies the rule table to an already computed (tokens, score) pair.
func (c *Classifier) Decide(tokens, score int) (models.Tier, models.Reason) {
	th := c.thresholds
	switch {
	case tokens > th.MediumMax || score >= th.ComplexScore:
		return models.TierComplex, models.ReasonSignalsHigh
	case tokens > th.SimpleMax || score >= th.MediumScore:
		return models.TierMedium, models.ReasonSignalsMedium
	default:
		return models.TierSimple, models.ReasonSignalsLow
	}
}

// ForcedTier extracts a valid force_tier override from metadata.
func ForcedTier(metadata map[string]interface{}) (models.Tier, bool) {
	if metadata == nil {
		return "", false
	}
	s, ok := metadata[models.MetaForceTier].(string)
	if !ok {
		return "", false
	}
	t := models.Tier(s)
	return t, t.Valid()
}

// Local adapts a Classifier to the router's context-aware classifier
// contract for in-process use.
type Local struct {
	c *Classifier
}

// NewLocal wraps c.
func NewLocal(c *Classifier) *Local {
	return &Local{c: c}
}

// Classify runs the in-process classifier. It only fails if ctx is already
// done.
func (l *Local) Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassificationDecision, error) {
	if err := ctx.Err(); err != nil {
		return models.ClassificationDecision{}, err
	}
	return l.c.Classify(req.Text, req.Metadata), nil
}
