package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/skaldworks/weft"
)

// ExpressionFunctionRegistry holds custom functions available to argument
// expressions.
type ExpressionFunctionRegistry struct {
	functions map[string]govaluate.ExpressionFunction
}

var exprFuncRegistry = &ExpressionFunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterExpressionFunction registers a custom function for argument
// expressions. Only registered functions are callable; everything else is
// plain arithmetic and comparison over dependency-output references.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	exprFuncRegistry.functions[name] = fn
}

func expressionFunctions() map[string]govaluate.ExpressionFunction {
	out := make(map[string]govaluate.ExpressionFunction, len(exprFuncRegistry.functions))
	for k, v := range exprFuncRegistry.functions {
		out[k] = v
	}
	return out
}

// ValidateExpression checks an argument expression parses, without
// evaluating it. Useful at workflow load time.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, expressionFunctions())
	return err
}

// outputLookup resolves a dependency task id to its recorded output.
type outputLookup func(taskID string) (interface{}, bool)

// resolveArgs materializes a task's argument sources into plain values.
// Resolution failures fall back to the declared default when one exists;
// otherwise required arguments fail the attempt and optional ones are
// dropped.
func resolveArgs(task weft.Task, outputs outputLookup) (map[string]interface{}, error) {
	if len(task.Args) == 0 {
		return map[string]interface{}{}, nil
	}

	resolved := make(map[string]interface{}, len(task.Args))
	for name, src := range task.Args {
		var value interface{}
		var err error

		switch src.Type {
		case weft.ArgumentSourceLiteral, "":
			value = src.Value
		case weft.ArgumentSourceDependencyOutput:
			value, err = resolveDependencyOutput(task, name, src, outputs)
		case weft.ArgumentSourceExpression:
			value, err = evaluateExpression(src.Expression, outputs)
		default:
			err = fmt.Errorf("unknown argument source type '%s'", src.Type)
		}

		if err != nil {
			if src.Default != nil {
				resolved[name] = src.Default
				continue
			}
			if src.Required {
				return nil, weft.NewArgResolutionError(task.ID, name, err)
			}
			continue
		}
		resolved[name] = value
	}
	return resolved, nil
}

// resolveDependencyOutput extracts a field from a dependency's output.
// An empty or "*" field returns the whole output; a numeric field indexes
// into slice outputs.
func resolveDependencyOutput(task weft.Task, argName string, src weft.ArgumentSource, outputs outputLookup) (interface{}, error) {
	raw, ok := outputs(src.DependencyTaskID)
	if !ok {
		return nil, fmt.Errorf("no output recorded for dependency task '%s'", src.DependencyTaskID)
	}

	field := src.OutputField
	if field == "" || field == "*" {
		return raw, nil
	}

	switch out := raw.(type) {
	case map[string]interface{}:
		value, exists := out[field]
		if !exists {
			return nil, fmt.Errorf("output field '%s' not found in result of task '%s'", field, src.DependencyTaskID)
		}
		return value, nil
	case []interface{}:
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("invalid index '%s' into output of task '%s' (length %d)", field, src.DependencyTaskID, len(out))
		}
		return out[idx], nil
	default:
		return nil, fmt.Errorf("cannot extract field '%s' from non-map output of task '%s' (type %T)", field, src.DependencyTaskID, raw)
	}
}

var exprVarRe = regexp.MustCompile(`\$([a-zA-Z0-9_-]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)
var exprAccRe = regexp.MustCompile(`(\.[a-zA-Z0-9_]+|\[[0-9]+\])`)

// evaluateExpression evaluates an arithmetic/logical expression whose
// variables reference dependency outputs: $dep, $dep.field, $dep.field[0].
func evaluateExpression(expr string, outputs outputLookup) (interface{}, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	variables := map[string]interface{}{}
	replaced := exprVarRe.ReplaceAllStringFunc(expr, func(matched string) string {
		parts := exprVarRe.FindStringSubmatch(matched)
		depID := parts[1]
		accessors := exprAccRe.FindAllString(parts[2], -1)

		val, ok := outputs(depID)
		if !ok {
			variables[matched] = nil
			return matched
		}
		for _, acc := range accessors {
			if strings.HasPrefix(acc, ".") {
				m, isMap := val.(map[string]interface{})
				if !isMap {
					variables[matched] = nil
					return matched
				}
				v, exists := m[acc[1:]]
				if !exists {
					variables[matched] = nil
					return matched
				}
				val = v
			} else {
				idx, err := strconv.Atoi(acc[1 : len(acc)-1])
				arr, isArr := val.([]interface{})
				if err != nil || !isArr || idx < 0 || idx >= len(arr) {
					variables[matched] = nil
					return matched
				}
				val = arr[idx]
			}
		}

		varName := strings.ReplaceAll(depID, "-", "_")
		for _, acc := range accessors {
			varName += "_" + strings.Trim(acc, ".[]")
		}
		variables[varName] = coerceExprValue(val)
		return varName
	})

	evalExpr, err := govaluate.NewEvaluableExpressionWithFunctions(replaced, expressionFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", expr, err)
	}
	result, err := evalExpr.Evaluate(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return result, nil
}

// coerceExprValue widens integer outputs to float64, the only numeric
// type govaluate operates on.
func coerceExprValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
