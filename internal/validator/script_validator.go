// Package validator implements the script validator: the post-quiescence
// component that replays a run's sampled responses against its test
// script and reports a pass/fail verdict per assertion.
package validator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vayu-load/vayu/internal/model"
)

// Environment is what a test script's assertions evaluate against: the
// request that produced the sample and its reconstructed response. It has
// no variable scope.
type Environment struct {
	Method  string
	URL     string
	Status  int
	Headers map[string]string
	Body    string
	TotalMs int64
}

func newEnvironment(req *model.Request, resp *model.Response) Environment {
	return Environment{
		Method:  req.Method,
		URL:     req.URL,
		Status:  resp.StatusCode,
		Headers: map[string]string(resp.Headers),
		Body:    resp.Body,
		TotalMs: resp.Timing.TotalMs,
	}
}

// assertions discovers a script's top-level assertions Postman-style: one
// per non-empty, non-comment line. "//"-prefixed lines are ignored.
func assertions(script string) []string {
	var out []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	return out
}

var (
	programCacheMu sync.Mutex
	programCache   = map[string]*vm.Program{}
)

func compile(assertion string) (*vm.Program, error) {
	programCacheMu.Lock()
	p, ok := programCache[assertion]
	programCacheMu.Unlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(assertion, expr.Env(Environment{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	programCacheMu.Lock()
	programCache[assertion] = p
	programCacheMu.Unlock()
	return p, nil
}

// RunScript evaluates every assertion in script against req/resp and
// returns the full per-assertion verdict.
func RunScript(req *model.Request, resp *model.Response, script string) *model.ScriptResult {
	result := &model.ScriptResult{Success: true}
	env := newEnvironment(req, resp)

	for _, a := range assertions(script) {
		program, err := compile(a)
		if err != nil {
			result.Success = false
			result.Tests = append(result.Tests, model.TestResult{
				Name: a, Passed: false, ErrorMessage: fmt.Sprintf("compile error: %v", err),
			})
			continue
		}

		out, err := expr.Run(program, env)
		if err != nil {
			result.Success = false
			result.Tests = append(result.Tests, model.TestResult{
				Name: a, Passed: false, ErrorMessage: fmt.Sprintf("eval error: %v", err),
			})
			continue
		}

		passed, _ := out.(bool)
		if !passed {
			result.Success = false
		}
		result.Tests = append(result.Tests, model.TestResult{Name: a, Passed: passed})
	}

	return result
}

// Summary is the aggregate outcome of validating every sampled response
// against a run's test script.
type Summary struct {
	TestsSampled int
	TestsPassed  int
	TestsFailed  int
	// Failures holds up to MaxFailures opaque failure descriptions, for
	// the supervisor to persist as a single result record's trace.
	Failures []string
}

const defaultMaxFailures = 50

// Validate runs script against every sample and aggregates the result.
// An empty sample set yields a zero Summary; an empty script has no
// assertions, so every sample counts as sampled and passed. The supervisor
// only calls it when both are non-empty.
func Validate(req *model.Request, script string, samples []model.Response, maxFailures int) Summary {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}

	var s Summary
	for _, sample := range samples {
		result := RunScript(req, &sample, script)
		s.TestsSampled++
		if result.Success {
			s.TestsPassed++
			continue
		}
		s.TestsFailed++
		if len(s.Failures) < maxFailures {
			s.Failures = append(s.Failures, describeFailure(result))
		}
	}
	return s
}

func describeFailure(result *model.ScriptResult) string {
	var failed []string
	for _, test := range result.Tests {
		if !test.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", test.Name, test.ErrorMessage))
		}
	}
	return strings.Join(failed, "; ")
}
