// Package routing implements the per-workspace model ordering and cost
// threshold checks that drive admission decisions.
package routing

import (
	"errors"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

// ErrNoMoreModels is returned by ModelForAttempt once the attempt number
// walks past the ordered model list. Terminal: there is nothing left to try.
var ErrNoMoreModels = errors.New("no more models to attempt")

// Decision is the outcome of a cost threshold check.
type Decision int

const (
	// Proceed admits the request without remark.
	Proceed Decision = iota
	// Warn admits the request but flags it as above the warning threshold.
	Warn
	// Block denies the request outright.
	Block
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// OrderedModels returns the policy's model sequence: primary first, then
// fallbacks in order, duplicates removed.
func OrderedModels(p *domain.RoutingPolicy) []string {
	models := make([]string, 0, 1+len(p.FallbackModels))
	seen := make(map[string]bool, 1+len(p.FallbackModels))

	if p.PrimaryModel != "" {
		models = append(models, p.PrimaryModel)
		seen[p.PrimaryModel] = true
	}
	for _, m := range p.FallbackModels {
		if m == "" || seen[m] {
			continue
		}
		models = append(models, m)
		seen[m] = true
	}
	return models
}

// ModelForAttempt returns the model to try on the 1-indexed attempt, or
// ErrNoMoreModels when the attempt number exceeds the ordered list.
func ModelForAttempt(p *domain.RoutingPolicy, attempt int) (string, error) {
	models := OrderedModels(p)
	if attempt < 1 || attempt > len(models) {
		return "", ErrNoMoreModels
	}
	return models[attempt-1], nil
}

// CostCheck classifies an estimated cost against the policy thresholds.
// Comparisons are inclusive: a cost exactly at a threshold trips it.
// Unset (zero) thresholds never trip.
func CostCheck(p *domain.RoutingPolicy, estimated money.Micro) Decision {
	if p.CostThresholdBlock > 0 && estimated >= p.CostThresholdBlock {
		return Block
	}
	if p.CostThresholdWarn > 0 && estimated >= p.CostThresholdWarn {
		return Warn
	}
	return Proceed
}

// Validate checks the policy invariants enforced at save time.
func Validate(p *domain.RoutingPolicy) error {
	if p.PrimaryModel == "" {
		return domain.Invalid("primary_model", "primary model is required")
	}
	if p.CostThresholdWarn > 0 && p.CostThresholdBlock > 0 &&
		p.CostThresholdBlock <= p.CostThresholdWarn {
		return domain.Invalid("cost_threshold_block",
			"block threshold %s must exceed warning threshold %s",
			p.CostThresholdBlock, p.CostThresholdWarn)
	}
	if p.CostThresholdWarn < 0 || p.CostThresholdBlock < 0 {
		return domain.Invalid("cost_thresholds", "thresholds must not be negative")
	}
	if p.RetryAttempts < 0 {
		return domain.Invalid("retry_attempts", "must not be negative")
	}
	return nil
}
