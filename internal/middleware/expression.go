package middleware

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// newExpressionEnv declares the variables an expression can read:
//
//	method  string
//	path    string
//	headers map(string, string), keys lower-cased
//	query   map(string, string)
func newExpressionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Expression compiles a boolean CEL expression into a filter. The
// request is admitted when the expression evaluates to true; evaluation
// errors reject it.
//
//	method != "DELETE" && !path.startsWith("/internal/")
//	"x-tenant" in headers
func Expression(expr string, logger observability.Logger) (Func, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	env, err := newExpressionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expr, err)
	}

	return func(req *gateway.Request) bool {
		out, _, err := prg.Eval(map[string]interface{}{
			"method":  req.Method,
			"path":    req.Path,
			"headers": lowerKeys(req.Headers),
			"query":   nonNil(req.QueryParams),
		})
		if err != nil {
			logger.Warn("expression evaluation failed",
				observability.String("expression", expr),
				observability.String("path", req.Path),
				observability.Error(err),
			)
			return false
		}

		allowed, ok := out.Value().(bool)
		return ok && allowed
	}, nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func nonNil(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
