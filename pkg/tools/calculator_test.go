package tools

import (
	"context"
	"math"
	"testing"

	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name string
		op   string
		a, b float64
		want string
	}{
		{name: "add", op: "add", a: 2, b: 2, want: "2 + 2 = 4"},
		{name: "subtract", op: "subtract", a: 10, b: 4.5, want: "10 - 4.5 = 5.5"},
		{name: "multiply", op: "multiply", a: 3, b: -2, want: "3 × -2 = -6"},
		{name: "divide", op: "divide", a: 10, b: 4, want: "10 ÷ 4 = 2.5"},
		{name: "repeating fraction", op: "divide", a: 10, b: 3, want: "10 ÷ 3 = 3.3333333333333335"},
		{name: "large values stay plain", op: "multiply", a: 123456789, b: 10, want: "123456789 × 10 = 1234567890"},
		{name: "float rounding", op: "add", a: 0.1, b: 0.2, want: "0.1 + 0.2 = 0.30000000000000004"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.op, tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculate_DivideByZero(t *testing.T) {
	_, err := Calculate("divide", 1, 0)
	assert.ErrorIs(t, err, ErrDivideByZero)
	assert.Equal(t, "Cannot divide by zero", err.Error())
}

func TestCalculate_UnknownOperation(t *testing.T) {
	_, err := Calculate("modulo", 1, 2)
	assert.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", formatNumber(math.Copysign(0, -1)))
	assert.Equal(t, "1e+21", formatNumber(1e21))
	assert.Equal(t, "1e-7", formatNumber(1e-7))
	assert.Equal(t, "Infinity", formatNumber(math.Inf(1)))
	assert.Equal(t, "NaN", formatNumber(math.NaN()))
}

func TestCalculatorTool_ThroughExecutor(t *testing.T) {
	te := toolexecutor.New()
	require.NoError(t, RegisterTools(te, Options{}))

	t.Run("success", func(t *testing.T) {
		result := te.Execute(context.Background(), "calculator", map[string]interface{}{
			"operation": "add", "num1": 2.0, "num2": 2.0,
		})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "2 + 2 = 4", result.Content())
	})

	t.Run("divide by zero becomes a tool error", func(t *testing.T) {
		result := te.Execute(context.Background(), "calculator", map[string]interface{}{
			"operation": "divide", "num1": 5.0, "num2": 0.0,
		})
		assert.False(t, result.Success)
		assert.Equal(t, "error: Cannot divide by zero", result.Content())
	})

	t.Run("schema rejects unknown operation", func(t *testing.T) {
		result := te.Execute(context.Background(), "calculator", map[string]interface{}{
			"operation": "power", "num1": 2.0, "num2": 3.0,
		})
		assert.Equal(t, toolexecutor.ErrorKindValidation, result.Kind)
	})
}
