package xlmigrate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Summary reports the outcome of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Sheets           []string // target sheets written, in order
	RowsProcessed    int
	RowsUnprocessed  int
	RuleApplications int // (row, rule) pairs that reached a terminal state
	Succeeded        int
	Skipped          int
	Warnings         int
	Failures         map[ErrorKind]int // failures and validation findings by kind

	Errors []*RuleError

	Completed bool
	Aborted   bool
	Err       error // the RunError when Aborted
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID:     runID,
		StartedAt: time.Now(),
		Failures:  make(map[ErrorKind]int),
	}
}

// finish fills the counts from the journal.
func (s *Summary) finish(j *Journal, runErr error) {
	s.FinishedAt = time.Now()
	in, out := j.Rows()
	s.RowsProcessed = out
	s.RowsUnprocessed = in - out
	j.mu.Lock()
	s.RowsUnprocessed += j.rowsLost
	j.mu.Unlock()

	for _, st := range []RuleState{StateSkipped, StateResolveFailed, StateSuccess, StateEvalFailed} {
		s.RuleApplications += j.Count(st)
	}
	s.Succeeded = j.Count(StateSuccess)
	s.Skipped = j.Count(StateSkipped)

	s.Errors = j.Entries()
	for _, e := range s.Errors {
		if e.Warning {
			s.Warnings++
			continue
		}
		s.Failures[e.Kind]++
	}

	s.Err = runErr
	s.Aborted = runErr != nil
	s.Completed = !s.Aborted
}

// FailureCount is the total of Failures.
func (s *Summary) FailureCount() int {
	n := 0
	for _, c := range s.Failures {
		n += c
	}
	return n
}

// String renders a short human-readable report.
func (s *Summary) String() string {
	var b strings.Builder
	status := "completed"
	if s.Aborted {
		status = "aborted"
	}
	fmt.Fprintf(&b, "run %s %s in %s\n", s.RunID, status, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "  rows: %d processed, %d unprocessed\n", s.RowsProcessed, s.RowsUnprocessed)
	fmt.Fprintf(&b, "  rules: %d applied, %d succeeded, %d skipped, %d warnings\n",
		s.RuleApplications, s.Succeeded, s.Skipped, s.Warnings)

	if len(s.Failures) > 0 {
		kinds := make([]string, 0, len(s.Failures))
		for k := range s.Failures {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		fmt.Fprintf(&b, "  failures: %d\n", s.FailureCount())
		for _, k := range kinds {
			fmt.Fprintf(&b, "    %-22s %d\n", k, s.Failures[ErrorKind(k)])
		}
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "  error: %v\n", s.Err)
	}
	return b.String()
}
