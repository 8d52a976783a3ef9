package labops

import "fmt"

// Policy holds the retry budgets for rejected results. Both caps count
// completed attempts on the current chain: RetestNumber for reruns on the
// same specimen, RecollectionAttempt for fresh draws.
type Policy struct {
	MaxRetestAttempts       int
	MaxRecollectionAttempts int
}

// ActionOption is one entry of the availableActions contract: the action,
// whether it may be requested right now, and a human-readable reason when
// it may not.
type ActionOption struct {
	Action  RejectionAction `json:"action"`
	Enabled bool            `json:"enabled"`
	Reason  string          `json:"reason,omitempty"`
}

// RejectionOptions is the read-only decision surface shown before rejecting
// a result. RejectResults recomputes the same options inside its transaction,
// so what the caller saw here is what gets enforced there.
type RejectionOptions struct {
	TestID                        string         `json:"test_id"`
	TestStatus                    TestStatus     `json:"test_status"`
	CanRetest                     bool           `json:"can_retest"`
	RetestAttemptsUsed            int            `json:"retest_attempts_used"`
	RetestAttemptsRemaining       int            `json:"retest_attempts_remaining"`
	CanRecollect                  bool           `json:"can_recollect"`
	RecollectionAttemptsUsed      int            `json:"recollection_attempts_used"`
	RecollectionAttemptsRemaining int            `json:"recollection_attempts_remaining"`
	EscalationRequired            bool           `json:"escalation_required"`
	AvailableActions              []ActionOption `json:"available_actions"`
}

// CanRetest reports whether another run on the same specimen is allowed, and
// why not when it is not.
func (p Policy) CanRetest(test *OrderTest, sample *Sample) (bool, string) {
	if test.RetestNumber >= p.MaxRetestAttempts {
		return false, fmt.Sprintf("retest limit of %d reached", p.MaxRetestAttempts)
	}
	if sample.Terminal() {
		return false, fmt.Sprintf("sample is %s and cannot be reused", sample.Status)
	}
	return true, ""
}

// CanRecollect reports whether another draw from the patient is allowed.
func (p Policy) CanRecollect(sample *Sample) (bool, string) {
	if sample.RecollectionAttempt >= p.MaxRecollectionAttempts {
		return false, fmt.Sprintf("recollection limit of %d reached", p.MaxRecollectionAttempts)
	}
	return true, ""
}

// Options computes the full decision surface for rejecting the given test's
// results. Escalation is always offered; it becomes the only enabled action
// once both retry budgets run out.
func (p Policy) Options(test *OrderTest, sample *Sample) *RejectionOptions {
	canRetest, retestReason := p.CanRetest(test, sample)
	canRecollect, recollectReason := p.CanRecollect(sample)

	opts := &RejectionOptions{
		TestID:                        test.ID.String(),
		TestStatus:                    test.Status,
		CanRetest:                     canRetest,
		RetestAttemptsUsed:            test.RetestNumber,
		RetestAttemptsRemaining:       remaining(p.MaxRetestAttempts, test.RetestNumber),
		CanRecollect:                  canRecollect,
		RecollectionAttemptsUsed:      sample.RecollectionAttempt,
		RecollectionAttemptsRemaining: remaining(p.MaxRecollectionAttempts, sample.RecollectionAttempt),
		EscalationRequired:            !canRetest && !canRecollect,
		AvailableActions: []ActionOption{
			{Action: ActionRetestSameSample, Enabled: canRetest, Reason: retestReason},
			{Action: ActionRecollectNewSample, Enabled: canRecollect, Reason: recollectReason},
			{Action: ActionEscalate, Enabled: true},
		},
	}
	return opts
}

// ActionEnabled reports whether the given action is currently permitted for
// the test, with the disable reason when it is not.
func (p Policy) ActionEnabled(action RejectionAction, test *OrderTest, sample *Sample) (bool, string) {
	for _, opt := range p.Options(test, sample).AvailableActions {
		if opt.Action == action {
			return opt.Enabled, opt.Reason
		}
	}
	return false, fmt.Sprintf("unknown action %q", action)
}

func remaining(max, used int) int {
	if used >= max {
		return 0
	}
	return max - used
}
