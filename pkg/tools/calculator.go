package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/harun/threadagent/pkg/toolexecutor"
)

// ErrDivideByZero is returned by the calculator for a zero divisor
var ErrDivideByZero = errors.New("Cannot divide by zero")

func calculatorTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "calculator",
		Description: "Useful for performing basic arithmetic calculations between two numbers",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "operation",
				Type:        "string",
				Description: "The type of operation to execute",
				Required:    true,
				Enum:        []interface{}{"add", "subtract", "multiply", "divide"},
			},
			{Name: "num1", Type: "number", Description: "The first number", Required: true},
			{Name: "num2", Type: "number", Description: "The second number", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			op, _ := params["operation"].(string)
			a, err := number(params["num1"])
			if err != nil {
				return nil, fmt.Errorf("num1: %w", err)
			}
			b, err := number(params["num2"])
			if err != nil {
				return nil, fmt.Errorf("num2: %w", err)
			}
			return Calculate(op, a, b)
		},
	}
}

// Calculate applies op to a and b and renders the equation, e.g. "2 + 2 = 4".
func Calculate(op string, a, b float64) (string, error) {
	var (
		symbol string
		result float64
	)

	switch op {
	case "add":
		symbol, result = "+", a+b
	case "subtract":
		symbol, result = "-", a-b
	case "multiply":
		symbol, result = "×", a*b
	case "divide":
		if b == 0 {
			return "", ErrDivideByZero
		}
		symbol, result = "÷", a/b
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}

	return fmt.Sprintf("%s %s %s = %s", formatNumber(a), symbol, formatNumber(b), formatNumber(result)), nil
}

func number(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// formatNumber prints the shortest representation, switching to exponent
// form only for very large or very small magnitudes.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	s = strings.Replace(s, "e-0", "e-", 1)
	return strings.Replace(s, "e+0", "e+", 1)
}
