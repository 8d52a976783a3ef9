package labops

import "fmt"

// sampleTransitions is the full sample state machine. Rejection is reachable
// from every non-terminal state; stored, disposed and rejected are terminal
// with respect to further collection activity.
var sampleTransitions = map[SampleStatus][]SampleStatus{
	SamplePending:     {SampleCollected, SampleRejected},
	SampleCollected:   {SampleReceived, SampleRejected},
	SampleReceived:    {SampleAccessioned, SampleRejected},
	SampleAccessioned: {SampleInProgress, SampleRejected},
	SampleInProgress:  {SampleCompleted, SampleRejected},
	SampleCompleted:   {SampleStored, SampleDisposed, SampleRejected},
	SampleStored:      {SampleDisposed},
	SampleRejected:    {},
	SampleDisposed:    {},
}

// testTransitions is the full test state machine. completed → pending is the
// recollection path: the test rebinds to a fresh sample and starts over.
// escalated resolves to superseded (retest authorized), pending (recollection
// authorized) or rejected (final reject).
var testTransitions = map[TestStatus][]TestStatus{
	TestPending:         {TestSampleCollected, TestRemoved},
	TestSampleCollected: {TestInProgress, TestCompleted, TestPending, TestRemoved},
	TestInProgress:      {TestCompleted, TestRemoved},
	TestCompleted:       {TestValidated, TestSuperseded, TestPending, TestEscalated},
	TestEscalated:       {TestSuperseded, TestPending, TestRejected},
	TestValidated:       {},
	TestSuperseded:      {},
	TestRejected:        {},
	TestRemoved:         {},
}

// CanTransitionSample reports whether a sample may move from one status to
// another in a single step.
func CanTransitionSample(from, to SampleStatus) bool {
	for _, allowed := range sampleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionTest reports whether a test may move from one status to
// another in a single step.
func CanTransitionTest(from, to TestStatus) bool {
	for _, allowed := range testTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Sample) transition(to SampleStatus) error {
	if !CanTransitionSample(s.Status, to) {
		return fmt.Errorf("%w: sample %s cannot go from %s to %s",
			ErrInvalidTransition, s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

func (t *OrderTest) transition(to TestStatus) error {
	if !CanTransitionTest(t.Status, to) {
		return fmt.Errorf("%w: test %s cannot go from %s to %s",
			ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}
