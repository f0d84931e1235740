package xlmigrate

// RuleState is a state of a (row, rule) application.
type RuleState int

const (
	StatePending RuleState = iota
	StateConditionChecked
	StateSkipped
	StateResolving
	StateResolveFailed
	StateEvaluating
	StateSuccess
	StateEvalFailed
)

var ruleStateNames = [...]string{
	"Pending", "ConditionChecked", "Skipped", "Resolving",
	"ResolveFailed", "Evaluating", "Success", "EvalFailed",
}

func (s RuleState) String() string {
	if int(s) >= 0 && int(s) < len(ruleStateNames) {
		return ruleStateNames[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transition follows s.
func (s RuleState) Terminal() bool {
	switch s {
	case StateSkipped, StateResolveFailed, StateSuccess, StateEvalFailed:
		return true
	}
	return false
}

// RuleListener is notified before and after each rule is applied to a row.
// Listeners are called from worker goroutines and must be safe for
// concurrent use.
type RuleListener interface {
	// BeforeRule is called in state Pending. Return false to skip the rule
	// for this row; nothing is written and no failure is recorded.
	BeforeRule(row *Row, rule *Rule) bool

	// AfterRule is called with the terminal state. err is nil on Success
	// and on a plain skip.
	AfterRule(row *Row, rule *Rule, state RuleState, err error)
}
