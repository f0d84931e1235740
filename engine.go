package xlmigrate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source supplies rows of named sheets.
type Source interface {
	SheetNames() []string
	ReadRows(ctx context.Context, sheet string) iter.Seq2[*Row, error]
}

// Sink receives the assembled rows of a target sheet. columns lists the
// target columns in rule declaration order.
type Sink interface {
	WriteRows(ctx context.Context, sheet string, columns []string, rows iter.Seq[OutputRow]) error
}

// Engine applies a RuleSet to rows. It is safe for concurrent use; the
// RuleSet is only read.
type Engine struct {
	rules  *RuleSet
	opts   *Options
	eval   *Evaluator
	client *DelegateClient
	logger *zap.Logger
}

// NewEngine creates an engine for rules.
func NewEngine(rules *RuleSet, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Engine{
		rules:  rules,
		opts:   o,
		eval:   NewEvaluator(),
		client: NewDelegateClient(o.generator, o.retry, o.logger),
		logger: o.logger,
	}
}

// errAbandoned marks a row whose processing was interrupted by cancellation.
var errAbandoned = errors.New("row abandoned")

type job struct {
	seq int
	row *Row
}

type done struct {
	seq int
	out OutputRow
}

// Process applies the rules of sheet to rows and yields the output rows in
// source order. Rows run concurrently up to the configured bound; rules
// within a row run in declaration order. Outcomes are committed to j when it
// is not nil. Iteration is lazy, and ranging over the result again restarts
// from the first row.
//
// A read error or cancellation is yielded last, as a *RunError, after every
// completed row.
func (e *Engine) Process(ctx context.Context, sheet string, rows iter.Seq2[*Row, error], j *Journal) iter.Seq2[OutputRow, error] {
	if j == nil {
		j = NewJournal()
	}
	rules := e.rules.RulesFor(sheet)

	return func(yield func(OutputRow, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		jobs := make(chan job)
		results := make(chan done)
		inputs := 0

		g.Go(func() error {
			defer close(jobs)
			for row, err := range rows {
				if err != nil {
					return &RunError{Op: "read " + sheet, Err: err}
				}
				inputs++
				if gctx.Err() != nil {
					continue // count the rest
				}
				select {
				case jobs <- job{seq: inputs - 1, row: row}:
				case <-gctx.Done():
				}
			}
			return nil
		})

		for range e.opts.concurrency {
			g.Go(func() error {
				for jb := range jobs {
					out, outcomes, err := e.processRow(gctx, jb.row, rules)
					if err != nil {
						continue
					}
					j.commit(outcomes)
					// a committed row is always handed over; the reorder
					// loop drains results until close
					results <- done{seq: jb.seq, out: out}
				}
				return nil
			})
		}

		waited := make(chan error, 1)
		go func() {
			waited <- g.Wait()
			close(results)
		}()

		// reorder buffer
		pending := make(map[int]OutputRow)
		next, emitted := 0, 0
		stopped := false
		emit := func(out OutputRow) {
			emitted++
			if !yield(out, nil) {
				stopped = true
				cancel()
			}
		}
		for r := range results {
			if stopped {
				continue
			}
			pending[r.seq] = r.out
			for !stopped {
				out, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				emit(out)
			}
		}
		err := <-waited

		// rows completed behind a gap are still delivered, in order
		if !stopped && len(pending) > 0 {
			for _, seq := range slices.Sorted(maps.Keys(pending)) {
				if stopped {
					break
				}
				emit(pending[seq])
			}
		}
		j.countRows(inputs, emitted)
		if stopped {
			return
		}
		if err != nil {
			yield(OutputRow{}, err)
			return
		}
		if ctx.Err() != nil && emitted < inputs {
			yield(OutputRow{}, &RunError{Op: "process " + sheet, Err: fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))})
		}
	}
}

// processRow runs every rule on row in declaration order. It returns
// errAbandoned if ctx is canceled before the row is complete.
func (e *Engine) processRow(ctx context.Context, row *Row, rules []*Rule) (OutputRow, []outcome, error) {
	outcomes := make([]outcome, 0, len(rules))
	for _, rule := range rules {
		if ctx.Err() != nil {
			return OutputRow{}, nil, errAbandoned
		}
		state, re, err := e.apply(ctx, row, rule)
		if err != nil {
			return OutputRow{}, nil, err
		}
		outcomes = append(outcomes, outcome{state: state, err: re})
		if re != nil {
			e.logger.Debug("rule outcome",
				zap.String("sheet", row.Sheet),
				zap.Int("row", row.Number),
				zap.Int("rule", rule.Index),
				zap.String("target", rule.TargetColumn),
				zap.String("state", state.String()),
				zap.String("kind", string(re.Kind)),
				zap.Bool("warning", re.Warning),
				zap.Error(re.Err))
		}
	}
	return row.Output(), outcomes, nil
}

// apply drives one (row, rule) pair through
// Pending → ConditionChecked → {Skipped | Resolving → {ResolveFailed | Evaluating → {Success | EvalFailed}}}.
func (e *Engine) apply(ctx context.Context, row *Row, rule *Rule) (RuleState, *RuleError, error) {
	for _, l := range e.opts.listeners {
		if !l.BeforeRule(row, rule) {
			return StateSkipped, nil, nil
		}
	}
	state, re, err := e.step(ctx, row, rule)
	if err != nil {
		return state, nil, err
	}
	for _, l := range e.opts.listeners {
		var lerr error
		if re != nil {
			lerr = re
		}
		l.AfterRule(row, rule, state, lerr)
	}
	return state, re, nil
}

func (e *Engine) step(ctx context.Context, row *Row, rule *Rule) (RuleState, *RuleError, error) {
	// Pending → ConditionChecked
	ok, err := Matches(row, rule.Conditions)
	if err != nil {
		re := e.ruleError(row, rule, err)
		re.Warning = true
		row.markUnset(rule.TargetColumn, re)
		return StateSkipped, re, nil
	}
	if !ok {
		return StateSkipped, nil, nil
	}

	// ConditionChecked → Resolving
	values, err := Resolve(row, rule)
	if err != nil {
		re := e.ruleError(row, rule, err)
		row.markUnset(rule.TargetColumn, re)
		return StateResolveFailed, re, nil
	}

	// Resolving → Evaluating
	v, err := e.evaluate(ctx, row, rule, values)
	if err != nil {
		if ctx.Err() != nil {
			return StateEvalFailed, nil, errAbandoned
		}
		re := e.ruleError(row, rule, err)
		row.markUnset(rule.TargetColumn, re)
		return StateEvalFailed, re, nil
	}

	row.set(rule.TargetColumn, v)
	if vr, ok := v.(ValidationResult); ok && !vr.Valid {
		// a failed check is a finding; the result is still written
		return StateSuccess, e.ruleError(row, rule, fmt.Errorf("%w: %s", ErrValidationFailed, vr.Message)), nil
	}
	return StateSuccess, nil, nil
}

// evaluate dispatches on the rule kind.
func (e *Engine) evaluate(ctx context.Context, row *Row, rule *Rule, values map[string]Value) (any, error) {
	switch rule.Kind {
	case KindCopy:
		return row.copyValue(rule.SourceColumns[0].Name), nil
	case KindTransform:
		switch {
		case rule.Delegated():
			return e.delegate(ctx, row, rule, values)
		case rule.Transformation != nil:
			ordered := make([]Value, 0, len(rule.SourceColumns))
			for _, c := range rule.SourceColumns {
				if v, ok := values[c.Name]; ok {
					ordered = append(ordered, v)
				} else {
					ordered = append(ordered, AbsentValue)
				}
			}
			return e.opts.transforms.Apply(rule.Transformation.Type, rule.Transformation.Params, ordered)
		default:
			return e.eval.Evaluate(rule.Expression, scope(row, values), e.rules.Variables)
		}
	case KindCompute, KindAggregate:
		if rule.Delegated() {
			return e.delegate(ctx, row, rule, values)
		}
		return e.eval.Evaluate(rule.Expression, scope(row, values), e.rules.Variables)
	case KindValidate:
		if rule.Delegated() {
			return e.delegate(ctx, row, rule, values)
		}
		v, err := e.eval.Evaluate(rule.Expression, scope(row, values), e.rules.Variables)
		if err != nil {
			return nil, err
		}
		return asValidation(rule, v)
	default:
		return nil, fmt.Errorf("%w: rule kind %s", ErrUnsupportedConstruct, rule.Kind)
	}
}

func (e *Engine) delegate(ctx context.Context, row *Row, rule *Rule, values map[string]Value) (any, error) {
	res, err := e.client.Invoke(ctx, DelegateRequest{
		Kind:      rule.Kind,
		Template:  rule.DelegationPrompt,
		Values:    values,
		Variables: e.rules.Variables,
		Setting:   e.rules.Setting(rule.Kind),
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// asValidation turns an expression result into a ValidationResult.
// Numbers are never a validation result.
func asValidation(rule *Rule, v any) (ValidationResult, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return ValidationResult{Valid: true}, nil
		}
		return ValidationResult{Message: rule.Expression + " is false"}, nil
	case ValidationResult:
		return x, nil
	case string:
		vr, err := ParseValidation(x)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("%w: validate rule produced %q", ErrTypeMismatch, x)
		}
		return vr, nil
	default:
		return ValidationResult{}, fmt.Errorf("%w: validate rule produced %T", ErrTypeMismatch, v)
	}
}

func (e *Engine) ruleError(row *Row, rule *Rule, err error) *RuleError {
	return &RuleError{
		Sheet:     row.Sheet,
		Row:       row.Number,
		RuleIndex: rule.Index,
		Target:    rule.TargetColumn,
		Kind:      KindOf(err),
		Err:       err,
	}
}

// Run processes every mapped sheet of src and writes the results to sink.
// Per-rule failures never fail the run; the returned error is a *RunError
// for a collaborator failure or cancellation, and the summary is returned
// in every case.
func (e *Engine) Run(ctx context.Context, src Source, sink Sink) (*Summary, error) {
	runID := e.opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := e.logger.With(zap.String("run_id", runID))
	sum := newSummary(runID)
	j := NewJournal()

	mapping := e.sheetMapping(src)
	log.Info("run started", zap.Int("sheets", len(mapping)), zap.Int("rules", len(e.rules.Rules)))

	var runErr error
	for i, m := range mapping {
		if runErr == nil && ctx.Err() != nil {
			runErr = &RunError{Op: "run", Err: fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))}
		}
		if runErr != nil {
			// unread sheets count as unprocessed
			for _, rest := range mapping[i:] {
				j.countUnprocessed(countRows(context.WithoutCancel(ctx), src, rest.Source))
			}
			break
		}

		sheetLog := log.With(zap.String("sheet", m.Source), zap.String("target", m.Target))
		sheetLog.Debug("processing sheet")

		var procErr error
		outputs := func(yield func(OutputRow) bool) {
			for out, err := range e.Process(ctx, m.Source, src.ReadRows(ctx, m.Source), j) {
				if err != nil {
					procErr = err
					return
				}
				if !yield(out) {
					return
				}
			}
		}
		if err := sink.WriteRows(ctx, m.Target, e.rules.TargetColumns(m.Source), outputs); err != nil {
			runErr = &RunError{Op: "write " + m.Target, Err: err}
		} else if procErr != nil {
			runErr = procErr
		}
		if runErr == nil {
			sum.Sheets = append(sum.Sheets, m.Target)
		}
	}

	sum.finish(j, runErr)
	if runErr != nil {
		log.Warn("run aborted",
			zap.Int("rows_processed", sum.RowsProcessed),
			zap.Int("rows_unprocessed", sum.RowsUnprocessed),
			zap.Error(runErr))
		return sum, runErr
	}
	log.Info("run completed",
		zap.Int("rows_processed", sum.RowsProcessed),
		zap.Int("rule_applications", sum.RuleApplications),
		zap.Int("failures", sum.FailureCount()),
		zap.Int("warnings", sum.Warnings))
	return sum, nil
}

// sheetMapping returns the mapped sheets present in src, in source order.
// Without a mapping every source sheet maps onto itself.
func (e *Engine) sheetMapping(src Source) []SheetMap {
	var out []SheetMap
	for _, name := range src.SheetNames() {
		if len(e.rules.SheetMapping) == 0 {
			out = append(out, SheetMap{Source: name, Target: name})
			continue
		}
		for _, m := range e.rules.SheetMapping {
			if m.Source == name {
				out = append(out, m)
			}
		}
	}
	for _, m := range e.rules.SheetMapping {
		if !slices.Contains(src.SheetNames(), m.Source) {
			e.logger.Warn("mapped sheet not found in source", zap.String("sheet", m.Source))
		}
	}
	return out
}

func countRows(ctx context.Context, src Source, sheet string) int {
	n := 0
	for _, err := range src.ReadRows(ctx, sheet) {
		if err != nil {
			break
		}
		n++
	}
	return n
}
