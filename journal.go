package xlmigrate

import "sync"

// Journal is the append-only record of a run. Workers append one row's
// outcomes at a time under a lock, so entries of different rows never
// interleave. It is read once the run is over.
type Journal struct {
	mu       sync.Mutex
	entries  []*RuleError
	states   map[RuleState]int
	rowsIn   int
	rowsOut  int
	rowsLost int
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{states: make(map[RuleState]int)}
}

// outcome is one terminal (row, rule) transition.
type outcome struct {
	state RuleState
	err   *RuleError
}

func (j *Journal) commit(outcomes []outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, o := range outcomes {
		j.states[o.state]++
		if o.err != nil {
			j.entries = append(j.entries, o.err)
		}
	}
}

func (j *Journal) countRows(in, out int) {
	j.mu.Lock()
	j.rowsIn += in
	j.rowsOut += out
	j.mu.Unlock()
}

func (j *Journal) countUnprocessed(n int) {
	j.mu.Lock()
	j.rowsLost += n
	j.mu.Unlock()
}

// Entries returns the recorded failures, warnings and validation findings.
func (j *Journal) Entries() []*RuleError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*RuleError(nil), j.entries...)
}

// Count returns how many (row, rule) applications ended in state.
func (j *Journal) Count(state RuleState) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.states[state]
}

// Rows returns the number of rows read and the number emitted.
func (j *Journal) Rows() (in, out int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rowsIn, j.rowsOut
}
