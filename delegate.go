package xlmigrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Generator is the external text-generation service.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// GenerateRequest is one call to a Generator. Model, Temperature and
// MaxTokens come from the rule set's llm settings unchanged.
type GenerateRequest struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GenerateResponse holds the generated text.
type GenerateResponse struct {
	Text string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (GenerateResponse, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	return f(ctx, req)
}

// DelegateRequest is a delegated rule application for one row.
type DelegateRequest struct {
	Kind      RuleKind
	Template  string
	Values    map[string]Value
	Variables map[string]any
	Setting   LLMSetting
}

// DelegatedResult is a successful delegated call. Value is a float64, bool
// or string for transforms and a ValidationResult for validate rules.
type DelegatedResult struct {
	Value    any
	Text     string
	Attempts int
}

// RetryPolicy bounds a single delegated call.
type RetryPolicy struct {
	Timeout     time.Duration // per attempt
	MaxRetries  int           // attempts after the first
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy: 30s per attempt, 3 retries, 1s doubling backoff up to 8s.
var DefaultRetryPolicy = RetryPolicy{
	Timeout:     30 * time.Second,
	MaxRetries:  3,
	BackoffBase: time.Second,
	BackoffMax:  8 * time.Second,
}

// backoff returns the wait before retry n (1-based).
func (p RetryPolicy) backoff(n int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase << uint(n-1)
	if d <= 0 || (p.BackoffMax > 0 && d > p.BackoffMax) {
		d = p.BackoffMax
	}
	return d
}

// DelegateClient calls a Generator for delegated rules. It keeps no state
// between calls.
type DelegateClient struct {
	gen    Generator
	policy RetryPolicy
	logger *zap.Logger
}

// NewDelegateClient creates a client. A nil logger disables logging.
func NewDelegateClient(gen Generator, policy RetryPolicy, logger *zap.Logger) *DelegateClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegateClient{gen: gen, policy: policy, logger: logger}
}

const (
	transformSystem = `You are an expert at analyzing and transforming spreadsheet data.
Given source data and a transformation rule, output the transformed value.
Only output the final transformed value, no explanations.
If the transformation is not possible, output 'ERROR: ' followed by a brief reason.`

	validateSystem = `You are an expert at validating spreadsheet data.
Given a value and validation rules, determine if the value is valid.
Output only 'VALID' or 'INVALID: ' followed by a brief reason,
or a JSON object {"valid": true|false, "message": "..."}.`
)

// Invoke renders the prompt, calls the generator with per-attempt timeouts
// and backoff, and parses the response for the rule kind. A generator error
// wrapping ErrInvalidResponse is not retried.
func (c *DelegateClient) Invoke(ctx context.Context, req DelegateRequest) (DelegatedResult, error) {
	if c.gen == nil {
		return DelegatedResult{}, fmt.Errorf("%w: no generator configured", ErrServiceFailure)
	}

	greq := GenerateRequest{
		Model:       req.Setting.Model,
		Temperature: req.Setting.Temperature,
		MaxTokens:   req.Setting.MaxTokens,
	}
	if req.Kind == KindValidate {
		greq.System = validateSystem
		greq.Prompt = buildPrompt("Value to Validate", "Validation Rules", req)
	} else {
		greq.System = transformSystem
		greq.Prompt = buildPrompt("Source Data", "Transformation Rule", req)
	}

	text, attempts, err := c.call(ctx, greq)
	if err != nil {
		return DelegatedResult{Attempts: attempts}, err
	}

	res := DelegatedResult{Text: text, Attempts: attempts}
	if req.Kind == KindValidate {
		v, err := ParseValidation(text)
		if err != nil {
			return res, err
		}
		res.Value = v
		return res, nil
	}
	v, err := ParseTransform(text)
	if err != nil {
		return res, err
	}
	res.Value = v
	return res, nil
}

func (c *DelegateClient) call(ctx context.Context, req GenerateRequest) (string, int, error) {
	var lastErr error
	timedOut := false
	attempts := 0
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.policy.backoff(attempt)
			c.logger.Debug("retrying delegated call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			if err := sleep(ctx, wait); err != nil {
				return "", attempts, err
			}
		}

		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if c.policy.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		}
		resp, err := c.gen.Generate(actx, req)
		deadline := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return resp.Text, attempts, nil
		}
		if ctx.Err() != nil {
			return "", attempts, fmt.Errorf("delegated call: %w", ctx.Err())
		}
		if errors.Is(err, ErrInvalidResponse) {
			// the service answered; asking again does not fix the answer
			return "", attempts, fmt.Errorf("delegated call: %w", err)
		}
		lastErr = err
		timedOut = deadline || errors.Is(err, context.DeadlineExceeded)
	}
	if timedOut {
		return "", attempts, fmt.Errorf("%w after %d attempts: %v", ErrDelegationTimeout, attempts, lastErr)
	}
	return "", attempts, fmt.Errorf("%w after %d attempts: %w", ErrServiceFailure, attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("delegated call: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

var placeholder = regexp.MustCompile(`\{([^{}\s]+)\}`)

// RenderPrompt substitutes {name} placeholders with row values, then
// variables. Unknown placeholders are left as written.
func RenderPrompt(template string, values map[string]Value, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := values[name]; ok {
			if v.Absent {
				return ""
			}
			return v.Raw
		}
		if v, ok := vars[name]; ok {
			return formatScalar(v)
		}
		return m
	})
}

func buildPrompt(dataTitle, ruleTitle string, req DelegateRequest) string {
	var b strings.Builder
	b.WriteString(dataTitle + ":\n")
	writeSorted(&b, len(req.Values), func(yield func(string, string)) {
		for k, v := range req.Values {
			yield(k, v.Raw)
		}
	})
	b.WriteString("\n" + ruleTitle + ":\n")
	b.WriteString(RenderPrompt(req.Template, req.Values, req.Variables))
	b.WriteString("\n")
	if len(req.Variables) > 0 {
		b.WriteString("\nAdditional Context:\n")
		writeSorted(&b, len(req.Variables), func(yield func(string, string)) {
			for k, v := range req.Variables {
				yield(k, formatScalar(v))
			}
		})
	}
	return b.String()
}

func writeSorted(b *strings.Builder, n int, each func(yield func(string, string))) {
	lines := make([]string, 0, n)
	each(func(k, v string) { lines = append(lines, k+": "+v) })
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
}

// ParseTransform types a transform response: integers and decimals become
// float64, true/false become bool, anything else stays text. An empty
// response or one starting with "ERROR:" is ErrInvalidResponse.
func ParseTransform(text string) (any, error) {
	s := stripFence(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if strings.HasPrefix(strings.ToUpper(s), "ERROR:") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.TrimSpace(s[len("ERROR:"):]))
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "nN") {
			return f, nil
		}
	} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n), nil
	}
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return s, nil
}

type validationJSON struct {
	Valid   *bool  `json:"valid"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ParseValidation reads "VALID", "INVALID[: reason]" or a JSON object with
// a boolean "valid" field. Anything else is ErrUnparseableValidation.
func ParseValidation(text string) (ValidationResult, error) {
	s := stripFence(text)
	if strings.HasPrefix(s, "{") {
		var v validationJSON
		if err := json.Unmarshal([]byte(s), &v); err != nil || v.Valid == nil {
			return ValidationResult{}, fmt.Errorf("%w: %q", ErrUnparseableValidation, s)
		}
		msg := v.Message
		if msg == "" {
			msg = v.Reason
		}
		return ValidationResult{Valid: *v.Valid, Message: msg}, nil
	}

	upper := strings.ToUpper(s)
	switch {
	case verdict(upper, "INVALID"):
		msg := strings.TrimSpace(s[len("INVALID"):])
		msg = strings.TrimSpace(strings.TrimLeft(msg, ":-."))
		return ValidationResult{Valid: false, Message: msg}, nil
	case verdict(upper, "VALID"):
		return ValidationResult{Valid: true}, nil
	}
	return ValidationResult{}, fmt.Errorf("%w: %q", ErrUnparseableValidation, s)
}

// verdict reports whether s is word, optionally followed by punctuation or
// an explanation.
func verdict(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	rest := s[len(word):]
	return rest == "" || strings.ContainsRune(":-. \n", rune(rest[0]))
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.Trim(strings.TrimSpace(s), "\"'`")
}
