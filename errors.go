package xlmigrate

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure the engine records wraps exactly one of
// these so callers can classify it with errors.Is.
var (
	// Load-time (fatal) errors.
	ErrMalformedInput     = errors.New("malformed input")
	ErrUnknownRuleType    = errors.New("unknown rule type")
	ErrMissingField       = errors.New("missing required field")
	ErrMissingComputation = errors.New("rule has no expression or delegation prompt")
	ErrDuplicateMapping   = errors.New("duplicate sheet mapping")

	// Per-row resolve errors.
	ErrMissingColumn = errors.New("column not found in row")
	ErrTypeCoercion  = errors.New("type coercion failed")

	// Per-row expression errors.
	ErrUnsupportedConstruct = errors.New("unsupported expression construct")
	ErrDivisionByZero       = errors.New("division by zero")
	ErrTypeMismatch         = errors.New("type mismatch")

	// Per-row delegation errors.
	ErrDelegationTimeout     = errors.New("delegation timed out")
	ErrInvalidResponse       = errors.New("invalid delegation response")
	ErrUnparseableValidation = errors.New("unparseable validation response")
	ErrServiceFailure        = errors.New("delegation service failure")

	// ErrValidationFailed marks a validate rule whose check did not pass.
	ErrValidationFailed = errors.New("validation failed")

	// ErrCanceled is wrapped by RunError when the run context is canceled.
	ErrCanceled = errors.New("run canceled")
)

// ErrorKind names a failure category for reporting.
type ErrorKind string

const (
	KindMalformedInput        ErrorKind = "MalformedInput"
	KindUnknownRuleType       ErrorKind = "UnknownRuleType"
	KindMissingField          ErrorKind = "MissingField"
	KindMissingComputation    ErrorKind = "MissingComputation"
	KindDuplicateMapping      ErrorKind = "DuplicateMapping"
	KindMissingColumn         ErrorKind = "MissingColumn"
	KindTypeCoercion          ErrorKind = "TypeCoercionError"
	KindUnsupportedConstruct  ErrorKind = "UnsupportedConstruct"
	KindDivisionByZero        ErrorKind = "DivisionByZero"
	KindTypeMismatch          ErrorKind = "TypeMismatch"
	KindTimeout               ErrorKind = "Timeout"
	KindInvalidResponse       ErrorKind = "InvalidResponse"
	KindUnparseableValidation ErrorKind = "UnparseableValidation"
	KindServiceFailure        ErrorKind = "ServiceFailure"
	KindValidationFailed      ErrorKind = "ValidationFailed"
	KindCanceled              ErrorKind = "Canceled"
	KindUnknown               ErrorKind = "Unknown"
)

// ErrorClass groups kinds into the propagation classes of the taxonomy.
type ErrorClass string

const (
	ClassSpec       ErrorClass = "SpecError"
	ClassResolve    ErrorClass = "ResolveError"
	ClassExpression ErrorClass = "ExpressionError"
	ClassDelegation ErrorClass = "DelegationError"
	ClassValidation ErrorClass = "ValidationFailed"
	ClassRun        ErrorClass = "RunError"
)

var kindTable = []struct {
	err   error
	kind  ErrorKind
	class ErrorClass
}{
	{ErrMalformedInput, KindMalformedInput, ClassSpec},
	{ErrUnknownRuleType, KindUnknownRuleType, ClassSpec},
	{ErrMissingField, KindMissingField, ClassSpec},
	{ErrMissingComputation, KindMissingComputation, ClassSpec},
	{ErrDuplicateMapping, KindDuplicateMapping, ClassSpec},
	{ErrMissingColumn, KindMissingColumn, ClassResolve},
	{ErrTypeCoercion, KindTypeCoercion, ClassResolve},
	{ErrUnsupportedConstruct, KindUnsupportedConstruct, ClassExpression},
	{ErrDivisionByZero, KindDivisionByZero, ClassExpression},
	{ErrTypeMismatch, KindTypeMismatch, ClassExpression},
	{ErrDelegationTimeout, KindTimeout, ClassDelegation},
	{ErrInvalidResponse, KindInvalidResponse, ClassDelegation},
	{ErrUnparseableValidation, KindUnparseableValidation, ClassDelegation},
	{ErrServiceFailure, KindServiceFailure, ClassDelegation},
	{ErrValidationFailed, KindValidationFailed, ClassValidation},
	{ErrCanceled, KindCanceled, ClassRun},
}

// KindOf returns the kind of the first sentinel err wraps.
// A SpecError reports its own kind rather than a wrapped cause.
func KindOf(err error) ErrorKind {
	var se *SpecError
	if errors.As(err, &se) {
		return KindOf(se.Kind)
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// ClassOf returns the taxonomy class of err, or "" if it is not classified.
func ClassOf(err error) ErrorClass {
	if _, ok := err.(*RunError); ok {
		return ClassRun
	}
	var se *SpecError
	if errors.As(err, &se) {
		return ClassSpec
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.class
		}
	}
	return ""
}

// SpecError is a fatal load-time error. Kind is one of the load-time sentinels.
type SpecError struct {
	Kind  error  // ErrMalformedInput, ErrUnknownRuleType, ...
	Rule  int    // 0-based rule index, -1 when not tied to a rule
	Field string // offending field, if any
	Err   error  // underlying cause, may be nil
}

func (e *SpecError) Error() string {
	msg := e.Kind.Error()
	if e.Rule >= 0 {
		msg = fmt.Sprintf("rule %d: %s", e.Rule, msg)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *SpecError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func specErr(kind error, rule int, field string, cause error) *SpecError {
	return &SpecError{Kind: kind, Rule: rule, Field: field, Err: cause}
}

// RuleError records one failed (row, rule) application.
type RuleError struct {
	Sheet     string
	Row       int // 1-based sheet row number
	RuleIndex int
	Target    string
	Kind      ErrorKind
	Warning   bool // condition gate failures are warnings: the rule was skipped
	Err       error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s row %d rule %d (%s): %s: %v", e.Sheet, e.Row, e.RuleIndex, e.Target, e.Kind, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// RunError aborts a run. Rows completed before the abort are still reported.
type RunError struct {
	Op  string
	Err error
}

func (e *RunError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *RunError) Unwrap() error { return e.Err }
