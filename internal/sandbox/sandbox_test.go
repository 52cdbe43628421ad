package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

func TestEvalLiteralsAndArithmetic(t *testing.T) {
	tests := []struct {
		name string
		code string
		want any
	}{
		{"string literal", `"hello"`, "hello"},
		{"single quotes", `'world'`, "world"},
		{"number", `42`, 42.0},
		{"addition", `2 + 3`, 5.0},
		{"precedence", `2 + 3 * 4`, 14.0},
		{"parens", `(2 + 3) * 4`, 20.0},
		{"division", `10 / 4`, 2.5},
		{"concat", `"LLOY" + ".L"`, "LLOY.L"},
		{"escape", `"a\"b"`, `a"b`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(context.Background(), tt.code, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalInputAccess(t *testing.T) {
	input := map[string]any{
		"ticker": "LLOY",
		"qty":    10,
		"nested": map[string]any{"venue": "LSE"},
	}

	got, err := Eval(context.Background(), `input["ticker"] + ".L"`, input)
	require.NoError(t, err)
	assert.Equal(t, "LLOY.L", got)

	got, err = Eval(context.Background(), `input["qty"] * 2`, input)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got)

	got, err = Eval(context.Background(), `input["nested"]["venue"]`, input)
	require.NoError(t, err)
	assert.Equal(t, "LSE", got)
}

func TestEvalHelpers(t *testing.T) {
	tests := []struct {
		code string
		want any
	}{
		{`upper("lloy")`, "LLOY"},
		{`lower("LLOY")`, "lloy"},
		{`trim("  x  ")`, "x"},
		{`replace("LLOY_EQ", "_EQ", "")`, "LLOY"},
		{`regex_replace("LLOY_EQ_GB", "_EQ.*$", "")`, "LLOY"},
		{`abs(0 - 4)`, 4.0},
		{`round(2.7)`, 3.0},
		{`str(42)`, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := Eval(context.Background(), tt.code, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalObjectLiteral(t *testing.T) {
	input := map[string]any{"ticker": "LLOY", "days": 5}

	got, err := EvalInput(context.Background(),
		`{"ticker": input["ticker"] + ".L", "days": input["days"]}`, input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ticker": "LLOY.L", "days": 5.0}, got)
}

func TestEvalBareInputCopies(t *testing.T) {
	input := map[string]any{"ticker": "AAPL"}
	got, err := EvalInput(context.Background(), `input`, input)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got["ticker"])

	got["ticker"] = "MSFT"
	assert.Equal(t, "AAPL", input["ticker"], "evaluation must not mutate the original input")
}

func TestEvalDenials(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"unknown helper", `exec("rm -rf /")`},
		{"unknown identifier", `os`},
		{"loop syntax", `for i := range x {}`},
		{"trailing garbage", `1 + 1; 2`},
		{"bad index type", `input[0]`},
		{"mixed concat", `"a" + 1`},
		{"division by zero", `1 / 0`},
		{"unterminated string", `"abc`},
		{"non-literal key", `{key: 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Eval(context.Background(), tt.code, map[string]any{"x": 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrSandboxDenied)
		})
	}
}

func TestEvalInputRequiresObject(t *testing.T) {
	_, err := EvalInput(context.Background(), `"just a string"`, nil)
	assert.ErrorIs(t, err, fault.ErrSandboxDenied)
}

func TestEvalOutputCap(t *testing.T) {
	// 500 input chars expanded tenfold blows the 4 KiB output cap.
	code := `replace("` + strings.Repeat("x", 500) + `", "x", "yyyyyyyyyy")`
	require.Less(t, len(code), maxCodeSize)
	_, err := Eval(context.Background(), code, nil)
	assert.ErrorIs(t, err, fault.ErrSandboxDenied)
}

func TestEvalCodeSizeCap(t *testing.T) {
	_, err := Eval(context.Background(), `"`+strings.Repeat("x", maxCodeSize)+`"`, nil)
	assert.ErrorIs(t, err, fault.ErrSandboxDenied)
}

func TestEvalCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Eval(ctx, `1 + 1`, nil)
	assert.ErrorIs(t, err, fault.ErrSandboxDenied)
}
