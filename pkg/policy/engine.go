package policy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/executor"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// Engine admits plans: structural validation first, then every enabled
// policy's deny set. It implements engine.Admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      *telemetry.Logger
	validate *validator.Validate
	loader   *Loader
	hostname string
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(log *telemetry.Logger) (*Engine, error) {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	hostname, _ := os.Hostname()

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      log.NewComponentLogger("policy"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		hostname: hostname,
	}
	e.loader = NewLoader(e.log)

	for _, p := range BuiltinPolicies() {
		if err := e.add(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

var _ engine.Admitter = (*Engine)(nil)

// Admit parses, validates and evaluates a plan body. Rejections are
// admission errors coded ErrCodeValidation or ErrCodePolicyDenied.
func (e *Engine) Admit(ctx context.Context, planID string, body []byte) error {
	op := telemetry.StartOperation(ctx, "plan.admission", attribute.String("plan.id", planID))
	err := e.admit(op.Ctx, planID, body)
	op.End(err)
	e.log.WithPlanID(planID).Debugf("admission took %s", op.Timer.Duration())
	if err == nil {
		return nil
	}

	var agentErr *engine.AgentError
	reason := "error"
	if errors.As(err, &agentErr) && agentErr.Code != "" {
		reason = agentErr.Code
	}
	telemetry.MetricsFromContext(ctx).RecordAdmissionRejection(reason)
	_ = telemetry.EventsFromContext(ctx).PublishPlanRejected(planID, err.Error())
	e.log.WithPlanID(planID).WithError(err).Warn("plan rejected")
	return err
}

func (e *Engine) admit(ctx context.Context, planID string, body []byte) error {
	plan, err := executor.ParsePlan(body)
	if err != nil {
		return engine.NewAdmissionError("plan is not valid JSON", err).
			WithPlan(planID).WithCode(engine.ErrCodeValidation)
	}

	if err := e.Validate(plan); err != nil {
		return engine.NewAdmissionError("plan failed validation", err).
			WithPlan(planID).WithCode(engine.ErrCodeValidation)
	}

	result, err := e.Evaluate(ctx, planID, plan)
	if err != nil {
		return engine.NewAdmissionError("policy evaluation failed", err).
			WithPlan(planID).WithCode(engine.ErrCodePolicyDenied)
	}
	for _, w := range result.Warnings {
		e.log.WithPlanID(planID).Warn(w)
	}
	if !result.Allowed {
		msgs := make([]string, 0, len(result.Violations))
		for _, v := range result.Violations {
			if Severity(v.Severity).Blocking() {
				msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
		return engine.NewAdmissionError("plan denied by policy", errors.New(strings.Join(msgs, "; "))).
			WithPlan(planID).WithCode(engine.ErrCodePolicyDenied).
			WithDetail("violations", result.Violations)
	}
	return nil
}

// Validate checks the plan structure.
func (e *Engine) Validate(plan *executor.Plan) error {
	err := e.validate.Struct(plan)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Plan."), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Evaluate runs every enabled policy against the plan. A policy that fails to
// evaluate produces a warning and a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, planID string, plan *executor.Plan) (*Result, error) {
	input, err := e.input(planID, plan)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	start := time.Now()
	result := &Result{Allowed: true}

	for _, cp := range policies {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.log.WithError(err).WithField("policy", cp.policy.Name).Error("policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			violations = []Violation{{
				Policy:   cp.policy.Name,
				Message:  "evaluation failed",
				Severity: string(SeverityError),
			}}
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if Severity(v.Severity).Blocking() {
			result.Allowed = false
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	result.EvaluatedAt = time.Now()

	e.log.WithPlanID(planID).Debugf("evaluated %d policies in %s: %d violations", len(policies), time.Since(start), len(result.Violations))
	return result, nil
}

func (e *Engine) input(planID string, plan *executor.Plan) (*Input, error) {
	scripts := make([]string, 0, len(plan.Scripts))
	for i, s := range plan.Scripts {
		src, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("script #%d is not valid base64: %w", i+1, err)
		}
		scripts = append(scripts, string(src))
	}
	return &Input{
		PlanID:  planID,
		Plan:    plan,
		Scripts: scripts,
		Context: InputContext{Timestamp: time.Now(), Hostname: e.hostname},
	}, nil
}

// evaluatePolicy evaluates the deny set of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation builds a Violation from a deny element: a message string
// or an object with message, severity and command.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if cmd, ok := v["command"].(string); ok {
			violation.Command = cmd
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile prepares the deny query of a policy's package.
func compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   &policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) add(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()
	return nil
}

// LoadPolicies loads policy files, replacing previously loaded ones. The
// built-in policies stay. Nothing changes when any file fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.log.Infof("%d policies loaded", len(compiled))
	return nil
}

// Watch reloads the policy files whenever they change, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}
