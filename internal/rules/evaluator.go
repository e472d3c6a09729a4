// Package rules evaluates monitoring rules against telemetry snapshots.
// Evaluation is side-effect free: the evaluator never mutates rule state,
// it only reports which rules fired. Updating last-triggered timestamps
// and emitting notifications is the caller's job.
package rules

import (
	"fmt"
	"strconv"
	"time"

	"iotsync.dev/sync-core/internal/model"
)

// Firing describes one rule that matched a telemetry snapshot.
type Firing struct {
	RuleID    string
	RuleName  string
	DeviceID  string
	Actions   []model.RuleAction
	Matched   []model.Condition
	Timestamp time.Time
}

// EvalError reports a configuration problem with a single rule. The
// offending rule is skipped; evaluation of the remaining rules continues.
type EvalError struct {
	RuleID string
	Err    error
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

// Unwrap returns the underlying error.
func (e *EvalError) Unwrap() error {
	return e.Err
}

// Evaluate checks every active rule against the snapshot's metric map.
// A rule fires iff all of its conditions are true. A condition whose
// metric is absent from the snapshot is false, not an error; a condition
// whose threshold does not parse as a number is an error tagged with the
// rule id. Inactive rules are never evaluated.
func Evaluate(deviceID string, snapshot model.TelemetrySnapshot, activeRules []model.Rule) ([]Firing, []*EvalError) {
	var firings []Firing
	var errs []*EvalError

	for _, rule := range activeRules {
		if !rule.Active {
			continue
		}
		if rule.DeviceID != "" && rule.DeviceID != deviceID {
			continue
		}
		if len(rule.Conditions) == 0 {
			continue
		}

		fired := true
		var evalErr *EvalError
		for _, cond := range rule.Conditions {
			ok, err := evaluateCondition(cond, snapshot)
			if err != nil {
				evalErr = &EvalError{RuleID: rule.ID, Err: err}
				break
			}
			if !ok {
				fired = false
				break
			}
		}

		if evalErr != nil {
			errs = append(errs, evalErr)
			continue
		}
		if fired {
			firings = append(firings, Firing{
				RuleID:    rule.ID,
				RuleName:  rule.Name,
				DeviceID:  deviceID,
				Actions:   rule.Actions,
				Matched:   rule.Conditions,
				Timestamp: snapshot.Timestamp,
			})
		}
	}

	return firings, errs
}

// evaluateCondition applies one comparison. Missing metrics evaluate
// false; malformed thresholds and unknown operators are errors.
func evaluateCondition(cond model.Condition, snapshot model.TelemetrySnapshot) (bool, error) {
	threshold, err := strconv.ParseFloat(cond.Threshold, 64)
	if err != nil {
		return false, fmt.Errorf("condition %s: non-numeric threshold %q", cond.ID, cond.Threshold)
	}

	value, present := snapshot.Metrics[cond.Metric]
	if !present {
		return false, nil
	}

	switch cond.Operator {
	case model.OpGreater:
		return value > threshold, nil
	case model.OpLess:
		return value < threshold, nil
	case model.OpEqual:
		return value == threshold, nil
	case model.OpGreaterEqual:
		return value >= threshold, nil
	case model.OpLessEqual:
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("condition %s: unknown operator %q", cond.ID, cond.Operator)
	}
}
