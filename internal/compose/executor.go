// Package compose implements the tool-composition AST executor: a
// recursive evaluator over Call/Sequence/Parallel/Choice/Retry/Let/Var
// expressions, sharing the agent package's semaphore/retry/panic-recovery
// tool-dispatch idioms at its leaves.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelai/runtime/internal/agent"
	"github.com/kestrelai/runtime/pkg/models"
)

// ExecutionContext carries the variable bindings (_last plus user-bound
// names) and step log for one evaluation tree. Parallel branches each get
// a cloned child context so bindings made in one branch never leak into
// its siblings.
type ExecutionContext struct {
	vars map[string]models.ToolResult
	log  *[]StepLogEntry
}

// StepLogEntry records one top-level expression evaluation: its kind and
// the result it produced (or the error, if it failed).
type StepLogEntry struct {
	Kind   models.ExprKind
	Result models.ToolResult
	Err    error
}

// NewExecutionContext returns a fresh, empty execution context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{vars: make(map[string]models.ToolResult), log: new([]StepLogEntry)}
}

// clone returns a child context sharing the step log but with an
// independent copy of the variable bindings, so writes in the child never
// affect the parent or its siblings.
func (c *ExecutionContext) clone() *ExecutionContext {
	child := &ExecutionContext{vars: make(map[string]models.ToolResult, len(c.vars)), log: c.log}
	for k, v := range c.vars {
		child.vars[k] = v
	}
	return child
}

func (c *ExecutionContext) bind(name string, result models.ToolResult) {
	c.vars[name] = result
	c.vars["_last"] = result
}

func (c *ExecutionContext) last() models.ToolResult {
	if r, ok := c.vars["_last"]; ok {
		return r
	}
	return models.ToolResult{Success: true, Result: "{}"}
}

func (c *ExecutionContext) lookup(name string) (models.ToolResult, bool) {
	r, ok := c.vars[name]
	return r, ok
}

func (c *ExecutionContext) recordStep(kind models.ExprKind, result models.ToolResult, err error) {
	*c.log = append(*c.log, StepLogEntry{Kind: kind, Result: result, Err: err})
}

// Executor evaluates composition expressions, dispatching Call leaves
// through the shared tool executor.
type Executor struct {
	registry *agent.ToolRegistry
	tools    *agent.Executor
}

// NewExecutor builds a composition executor over a tool registry and the
// shared tool-dispatch executor (retry/timeout/panic-recovery semantics
// identical to the agent loop's non-composed tool calls).
func NewExecutor(registry *agent.ToolRegistry, tools *agent.Executor) *Executor {
	return &Executor{registry: registry, tools: tools}
}

// Eval evaluates expr against a fresh top-level execution context.
func (e *Executor) Eval(ctx context.Context, expr models.Expr) (models.ToolResult, error) {
	return e.eval(ctx, expr, NewExecutionContext())
}

func (e *Executor) eval(ctx context.Context, expr models.Expr, ec *ExecutionContext) (models.ToolResult, error) {
	result, err := e.dispatch(ctx, expr, ec)
	ec.recordStep(expr.Kind, result, err)
	if err == nil {
		ec.bind("_last", result)
	}
	return result, err
}

func (e *Executor) dispatch(ctx context.Context, expr models.Expr, ec *ExecutionContext) (models.ToolResult, error) {
	switch expr.Kind {
	case models.ExprCall:
		return e.evalCall(ctx, expr.Call)
	case models.ExprSequence:
		return e.evalSequence(ctx, expr.Sequence, ec)
	case models.ExprParallel:
		return e.evalParallel(ctx, expr.Parallel, ec)
	case models.ExprChoice:
		return e.evalChoice(ctx, expr.Choice, ec)
	case models.ExprRetry:
		return e.evalRetry(ctx, expr.Retry, ec)
	case models.ExprLet:
		return e.evalLet(ctx, expr.Let, ec)
	case models.ExprVar:
		return e.evalVar(expr.Var, ec)
	default:
		return models.ToolResult{}, agent.NewToolError(string(expr.Kind), fmt.Errorf("unknown expression kind: %s", expr.Kind)).WithType(agent.ToolErrorInvalidInput)
	}
}

func (e *Executor) evalCall(ctx context.Context, call *models.CallExpr) (models.ToolResult, error) {
	if call == nil {
		return models.ToolResult{}, agent.NewToolError("", fmt.Errorf("call expression missing")).WithType(agent.ToolErrorInvalidInput)
	}
	if _, ok := e.registry.Get(call.Tool); !ok {
		return models.ToolResult{}, agent.NewToolError(call.Tool, fmt.Errorf("%w: %s", agent.ErrToolNotFound, call.Tool)).WithType(agent.ToolErrorNotFound)
	}
	result := e.tools.Execute(ctx, models.NewToolCall(call.Tool, call.Tool, call.Args))
	if result.Error != nil {
		return models.ToolResult{}, result.Error
	}
	return *result.Result, nil
}

// evalSequence evaluates steps in order. fail_fast terminates at the first
// unsuccessful result (propagating an Err, or returning an unsuccessful
// ToolResult); otherwise the sequence converts errors to synthetic
// unsuccessful results and its own result is that of the last step.
func (e *Executor) evalSequence(ctx context.Context, seq *models.SequenceExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if seq == nil || len(seq.Steps) == 0 {
		return models.ToolResult{Success: true, Result: "empty sequence"}, nil
	}

	var last models.ToolResult
	for _, step := range seq.Steps {
		result, err := e.eval(ctx, step, ec)
		if err != nil {
			if seq.FailFast {
				return models.ToolResult{}, err
			}
			result = models.ToolResult{Success: false, Result: err.Error()}
		}
		last = result
		if seq.FailFast && !result.Success {
			return result, nil
		}
	}
	return last, nil
}

type branchOutcome struct {
	result models.ToolResult
	err    error
}

// evalParallel clones the context per branch (isolating bindings), runs
// branches concurrently, and combines outcomes per Wait.
func (e *Executor) evalParallel(ctx context.Context, par *models.ParallelExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if par == nil || len(par.Branches) == 0 {
		return models.ToolResult{Success: true, Result: "empty parallel"}, nil
	}

	outcomes := make([]branchOutcome, len(par.Branches))
	done := make(chan struct{}, len(par.Branches))

	for i, branch := range par.Branches {
		go func(idx int, b models.Expr) {
			defer func() { done <- struct{}{} }()
			child := ec.clone()
			result, err := e.eval(ctx, b, child)
			outcomes[idx] = branchOutcome{result: result, err: err}
		}(i, branch)
	}
	for range par.Branches {
		<-done
	}

	switch par.Wait {
	case models.WaitAny:
		var firstFailure *branchOutcome
		var lastErr error
		for i := range outcomes {
			o := outcomes[i]
			if o.err != nil {
				lastErr = o.err
				continue
			}
			if o.result.Success {
				return o.result, nil
			}
			if firstFailure == nil {
				firstFailure = &outcomes[i]
			}
		}
		if firstFailure != nil {
			return firstFailure.result, nil
		}
		return models.ToolResult{}, lastErr
	case models.WaitN:
		successes := 0
		var last models.ToolResult
		for _, o := range outcomes {
			if o.err != nil {
				return models.ToolResult{}, o.err
			}
			if o.result.Success {
				successes++
				last = o.result
			}
		}
		if successes >= par.N {
			return last, nil
		}
		return models.ToolResult{Success: false, Result: fmt.Sprintf("only %d/%d branches succeeded, needed %d", successes, len(outcomes), par.N)}, nil
	default: // models.WaitAll
		var lastSuccess models.ToolResult
		for _, o := range outcomes {
			if o.err != nil {
				return models.ToolResult{}, o.err
			}
			if !o.result.Success {
				return o.result, nil
			}
			lastSuccess = o.result
		}
		return lastSuccess, nil
	}
}

// evalChoice evaluates cond against the last observed result and branches.
func (e *Executor) evalChoice(ctx context.Context, choice *models.ChoiceExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if choice == nil {
		return models.ToolResult{Success: true, Result: "{}"}, nil
	}
	if evalCondition(choice.Cond, ec.last()) {
		return e.eval(ctx, choice.Then, ec)
	}
	if choice.Else != nil {
		return e.eval(ctx, *choice.Else, ec)
	}
	return models.ToolResult{Success: true, Result: "{}"}, nil
}

// evalRetry re-evaluates expr up to max_attempts (clamped to >= 1),
// delaying delay_ms between attempts (skipped after the last), returning
// the first success.
func (e *Executor) evalRetry(ctx context.Context, retry *models.RetryExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if retry == nil {
		return models.ToolResult{}, agent.NewToolError("", fmt.Errorf("retry expression missing")).WithType(agent.ToolErrorInvalidInput)
	}
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var lastResult models.ToolResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := e.eval(ctx, retry.Expr, ec)
		if err == nil && result.Success {
			return result, nil
		}
		lastErr = err
		lastResult = result

		if attempt < maxAttempts-1 && retry.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(retry.DelayMS) * time.Millisecond):
			case <-ctx.Done():
				return models.ToolResult{}, ctx.Err()
			}
		}
	}

	if lastErr != nil {
		return models.ToolResult{}, lastErr
	}
	if lastResult.Result != "" {
		return models.ToolResult{}, fmt.Errorf("retry attempts exhausted: %s", lastResult.Result)
	}
	return models.ToolResult{}, fmt.Errorf("retry attempts exhausted")
}

// evalLet evaluates expr, binds the result to var (and _last), then
// evaluates body with that binding in scope.
func (e *Executor) evalLet(ctx context.Context, let *models.LetExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if let == nil {
		return models.ToolResult{}, agent.NewToolError("", fmt.Errorf("let expression missing")).WithType(agent.ToolErrorInvalidInput)
	}
	result, err := e.eval(ctx, let.Expr, ec)
	if err != nil {
		return models.ToolResult{}, err
	}
	ec.bind(let.Var, result)
	return e.eval(ctx, let.Body, ec)
}

// evalVar looks up a previously bound variable by name.
func (e *Executor) evalVar(varExpr *models.VarExpr, ec *ExecutionContext) (models.ToolResult, error) {
	if varExpr == nil {
		return models.ToolResult{}, agent.NewToolError("", fmt.Errorf("var expression missing")).WithType(agent.ToolErrorInvalidInput)
	}
	if result, ok := ec.lookup(varExpr.Name); ok {
		return result, nil
	}
	return models.ToolResult{}, agent.NewToolError(varExpr.Name, fmt.Errorf("Variable not found: %s", varExpr.Name)).WithType(agent.ToolErrorExecution)
}

// evalCondition walks result.Result as JSON along cond's dotted path and
// evaluates the condition against the extracted value.
func evalCondition(cond models.Condition, result models.ToolResult) bool {
	switch cond.Kind {
	case models.ConditionSuccess:
		return result.Success
	case models.ConditionContains:
		if cond.Contains == nil {
			return false
		}
		v := extractPath(result.Result, cond.Contains.Path)
		s, ok := v.(string)
		return ok && strings.Contains(s, cond.Contains.Value)
	case models.ConditionMatches:
		if cond.Matches == nil {
			return false
		}
		v := extractPath(result.Result, cond.Matches.Path)
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(cond.Matches.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case models.ConditionAnd:
		for _, c := range cond.And {
			if !evalCondition(c, result) {
				return false
			}
		}
		return true
	case models.ConditionOr:
		for _, c := range cond.Or {
			if evalCondition(c, result) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// extractPath walks a dot-separated path into a JSON value parsed from raw;
// numeric segments index arrays, other segments index object keys. An
// empty path addresses the root.
func extractPath(raw, path string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	if path == "" {
		return v
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			v = node[idx]
		default:
			return nil
		}
	}
	return v
}
