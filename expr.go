package xlmigrate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

const envIdent = "$env"

// Evaluator evaluates rule expressions against a closed grammar.
// Compiled programs are cached and safe for concurrent use.
type Evaluator struct {
	cache sync.Map // expression string → *compiled
}

type compiled struct {
	program *vm.Program
	refs    []string
}

// NewEvaluator creates an evaluator backed by expr-lang/expr.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs expression with values layered over vars. Column values
// shadow variables of the same name. The result is a float64, string, bool,
// time.Time or nil.
func (e *Evaluator) Evaluate(expression string, values map[string]Value, vars map[string]any) (any, error) {
	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(vars)+len(values)+len(c.refs))
	for k, v := range vars {
		env[k] = normalizeNumber(v)
	}
	for k, v := range values {
		env[k] = v.exprValue()
	}
	for _, name := range c.refs {
		if _, ok := env[name]; !ok {
			env[name] = missingRef{name: name}
		}
	}

	result, err := expr.Run(c.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, classifyRuntime(err))
	}
	return checkResult(expression, result)
}

// Check compiles expression and reports any construct outside the grammar.
func (e *Evaluator) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// References returns the column and variable names expression reads,
// in first-use order.
func (e *Evaluator) References(expression string) ([]string, error) {
	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.refs...), nil
}

func (e *Evaluator) compile(expression string) (*compiled, error) {
	if cached, ok := e.cache.Load(expression); ok {
		return cached.(*compiled), nil
	}
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrUnsupportedConstruct)
	}

	g := &grammar{seen: make(map[string]bool)}
	opts := append(exprOptions(),
		expr.AllowUndefinedVariables(),
		expr.Optimize(false),
		expr.Patch(g),
	)
	program, err := expr.Compile(expression, opts...)
	if len(g.violations) > 0 {
		return nil, fmt.Errorf("compile %q: %w: %s", expression, ErrUnsupportedConstruct, strings.Join(g.violations, "; "))
	}
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w: %v", expression, ErrUnsupportedConstruct, err)
	}

	c := &compiled{program: program, refs: g.refs}
	e.cache.Store(expression, c)
	return c, nil
}

// grammar walks the parsed tree once. It rejects nodes outside the closed
// set and rewrites operators into the typed functions of functions.go.
type grammar struct {
	refs       []string
	seen       map[string]bool
	violations []string
}

func (g *grammar) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode,
		*ast.ConstantNode, *ast.ArrayNode, *ast.PredicateNode, *ast.PointerNode:
	case *ast.ConditionalNode:
		n.Cond = truthy(n.Cond)
	case *ast.IdentifierNode:
		if n.Value != envIdent && !isFunction(n.Value) {
			g.ref(n.Value)
		}
	case *ast.UnaryNode:
		op, ok := unaryFuncs[n.Operator]
		if !ok {
			g.reject("operator %q", n.Operator)
			return
		}
		ast.Patch(node, &ast.CallNode{
			Callee:    &ast.IdentifierNode{Value: op.name},
			Arguments: []ast.Node{n.Node},
		})
	case *ast.BinaryNode:
		switch n.Operator {
		case "&&", "||", "and", "or":
			n.Left, n.Right = truthy(n.Left), truthy(n.Right)
			return
		}
		op, ok := operatorFuncs[n.Operator]
		if !ok {
			g.reject("operator %q", n.Operator)
			return
		}
		ast.Patch(node, &ast.CallNode{
			Callee:    &ast.IdentifierNode{Value: op.name},
			Arguments: []ast.Node{n.Left, n.Right},
		})
	case *ast.CallNode:
		id, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || builtinFuncs[id.Value] == nil {
			g.reject("call to %s", n.Callee)
		}
	case *ast.BuiltinNode:
		if n.Name != "filter" && n.Name != "map" {
			g.reject("function %s", n.Name)
		}
	case *ast.MemberNode:
		base, isIdent := n.Node.(*ast.IdentifierNode)
		prop, isString := n.Property.(*ast.StringNode)
		if !isIdent || base.Value != envIdent || !isString || n.Method || n.Optional {
			g.reject("member access %s", n)
			return
		}
		g.ref(prop.Value)
	default:
		g.reject("%T", n)
	}
}

// truthy wraps a logical operand so a missing reference or a non-boolean
// reports through the function table instead of a VM panic.
func truthy(node ast.Node) ast.Node {
	return &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: truthyFunc},
		Arguments: []ast.Node{node},
	}
}

func (g *grammar) ref(name string) {
	if !g.seen[name] {
		g.seen[name] = true
		g.refs = append(g.refs, name)
	}
}

func (g *grammar) reject(format string, args ...any) {
	g.violations = append(g.violations, fmt.Sprintf(format, args...))
}

func isFunction(name string) bool {
	return builtinFuncs[name] != nil || strings.HasPrefix(name, "__")
}

// runtimeSentinels are the errors our functions return from inside the VM.
var runtimeSentinels = []error{ErrDivisionByZero, ErrMissingColumn, ErrTypeMismatch}

// classifyRuntime maps a VM error onto an expression sentinel. The VM wraps
// function errors; if the wrapping is lost the message still carries them.
// Any other runtime panic (e.g. a non-boolean condition) is a type mismatch.
func classifyRuntime(err error) error {
	for _, s := range runtimeSentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	msg := err.Error()
	for _, s := range runtimeSentinels {
		if strings.Contains(msg, s.Error()) {
			return fmt.Errorf("%w: %s", s, firstLine(msg))
		}
	}
	return fmt.Errorf("%w: %s", ErrTypeMismatch, firstLine(msg))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func checkResult(expression string, result any) (any, error) {
	switch r := result.(type) {
	case missingRef:
		return nil, fmt.Errorf("evaluate %q: %w: %s", expression, ErrMissingColumn, r.name)
	case []any:
		return nil, fmt.Errorf("evaluate %q: %w: result is a list", expression, ErrTypeMismatch)
	}
	result = normalizeNumber(result)
	if f, ok := result.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return nil, fmt.Errorf("evaluate %q: %w", expression, ErrDivisionByZero)
	}
	if !isScalar(result) {
		return nil, fmt.Errorf("evaluate %q: %w: result is %T", expression, ErrTypeMismatch, result)
	}
	return result, nil
}

// normalizeNumber turns every integer type into float64.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int, int64, int32, uint, uint64, float32:
		f, _ := toNumber(n)
		return f
	}
	return v
}
