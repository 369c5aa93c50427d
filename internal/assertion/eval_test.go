package assertion

import (
	"errors"
	"testing"
)

func evalBool(t *testing.T, expression string, signals Signals) bool {
	t.Helper()
	result, err := Evaluate(expression, signals)
	if err != nil {
		t.Fatalf("evaluate %q: %v", expression, err)
	}
	return result
}

func evalErr(t *testing.T, expression string, signals Signals) *EvalError {
	t.Helper()
	_, err := Evaluate(expression, signals)
	if err == nil {
		t.Fatalf("evaluate %q: expected error", expression)
	}
	var evalError *EvalError
	if !errors.As(err, &evalError) {
		t.Fatalf("evaluate %q: expected *EvalError, got %T", expression, err)
	}
	return evalError
}

func TestComparisons(t *testing.T) {
	signals := Signals{Inputs: map[string]any{"price": 5.0}}
	if !evalBool(t, "price > 0", signals) {
		t.Fatalf("price > 0 with price=5 must be true")
	}
	signals.Inputs["price"] = -1.0
	if evalBool(t, "price > 0", signals) {
		t.Fatalf("price > 0 with price=-1 must be false")
	}
}

func TestUndeclaredSignal(t *testing.T) {
	err := evalErr(t, "foo > 0", Signals{Inputs: map[string]any{}})
	if err.Kind != ErrorUndeclared {
		t.Fatalf("kind=%s, want undeclared_signal", err.Kind)
	}
}

func TestSignalResolutionFavorsInput(t *testing.T) {
	signals := Signals{
		Inputs:  map[string]any{"value": 5.0},
		Outputs: map[string]any{"value": -5.0},
	}
	if !evalBool(t, "value > 0", signals) {
		t.Fatalf("unprefixed name must resolve to the input signal")
	}
	if evalBool(t, "output.value > 0", signals) {
		t.Fatalf("output.value must resolve to the output signal")
	}
}

func TestOutputOnlySignalRequiresPrefix(t *testing.T) {
	signals := Signals{
		Inputs:  map[string]any{},
		Outputs: map[string]any{"site_eui": 80.0},
	}
	if !evalBool(t, "output.site_eui < 120", signals) {
		t.Fatalf("expected true")
	}
	err := evalErr(t, "site_eui < 120", signals)
	if err.Kind != ErrorUndeclared {
		t.Fatalf("unprefixed output-only name must be undeclared, got %s", err.Kind)
	}
}

func TestNonBooleanResult(t *testing.T) {
	err := evalErr(t, "price + 1", Signals{Inputs: map[string]any{"price": 5.0}})
	if err.Kind != ErrorNonBoolean {
		t.Fatalf("kind=%s, want non_boolean_result", err.Kind)
	}
}

func TestParseError(t *testing.T) {
	err := evalErr(t, "price >", Signals{Inputs: map[string]any{"price": 5.0}})
	if err.Kind != ErrorParse {
		t.Fatalf("kind=%s, want parse", err.Kind)
	}
	if _, compileErr := Compile("(a > 1"); compileErr == nil {
		t.Fatalf("expected parse error for unbalanced paren")
	}
	if _, compileErr := Compile(""); compileErr == nil {
		t.Fatalf("expected parse error for empty expression")
	}
}

func TestBooleanOperators(t *testing.T) {
	signals := Signals{Inputs: map[string]any{"a": 1.0, "b": 2.0}}
	tests := []struct {
		expr string
		want bool
	}{
		{"a > 0 and b > 0", true},
		{"a > 0 && b < 0", false},
		{"a < 0 or b > 0", true},
		{"a < 0 || b < 0", false},
		{"not (a > b)", true},
		{"!(a > 0)", false},
		{"a == 1 and b != 1", true},
		{"a + b == 3", true},
		{"b - a == 1", true},
		{"a * b == 2", true},
		{"b / a == 2", true},
		{"5 % 2 == 1", true},
		{"-a < 0", true},
		{"(a > 0 or b < 0) and b == 2", true},
	}
	for _, tt := range tests {
		if got := evalBool(t, tt.expr, signals); got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestShortCircuit(t *testing.T) {
	// The right operand references an undeclared signal; short-circuit must
	// keep it from being evaluated.
	signals := Signals{Inputs: map[string]any{"a": 1.0}}
	if evalBool(t, "a < 0 and missing > 0", signals) {
		t.Fatalf("expected false")
	}
	if !evalBool(t, "a > 0 or missing > 0", signals) {
		t.Fatalf("expected true")
	}
}

func TestStringPredicates(t *testing.T) {
	signals := Signals{Inputs: map[string]any{"name": "model_v2.idf"}}
	tests := []struct {
		expr string
		want bool
	}{
		{"contains(name, 'model')", true},
		{"contains(name, 'xml')", false},
		{"startsWith(name, 'model_')", true},
		{"endsWith(name, '.idf')", true},
		{"matches(name, '^model_v[0-9]+')", true},
		{"name == 'model_v2.idf'", true},
		{"name + '.bak' == 'model_v2.idf.bak'", true},
	}
	for _, tt := range tests {
		if got := evalBool(t, tt.expr, signals); got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
	}
	err := evalErr(t, "matches(name, '[')", signals)
	if err.Kind != ErrorType {
		t.Fatalf("invalid regex: kind=%s, want type", err.Kind)
	}
}

func TestStatisticalHelpers(t *testing.T) {
	signals := Signals{Inputs: map[string]any{
		"temps": []any{20.0, 22.0, 24.0, 26.0},
		"x":     2.4,
	}}
	tests := []struct {
		expr string
		want bool
	}{
		{"mean(temps) == 23", true},
		{"sum(temps) == 92", true},
		{"max(temps) == 26", true},
		{"min(temps) == 20", true},
		{"percentile(temps, 50) == 23", true},
		{"percentile(temps, 100) == 26", true},
		{"abs(0 - x) == 2.4", true},
		{"round(x) == 2", true},
		{"is_int(x)", false},
		{"is_int(round(x))", true},
	}
	for _, tt := range tests {
		if got := evalBool(t, tt.expr, signals); got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
	}
	err := evalErr(t, "mean(x) > 0", signals)
	if err.Kind != ErrorType {
		t.Fatalf("mean of scalar: kind=%s, want type", err.Kind)
	}
}

func TestQuantifiers(t *testing.T) {
	signals := Signals{Inputs: map[string]any{
		"temps": []any{20.0, 22.0, 31.0, 26.0},
	}}
	tests := []struct {
		expr string
		want bool
	}{
		{"exists(temps, it > 30)", true},
		{"exists(temps, it > 40)", false},
		{"all(temps, it > 15)", true},
		{"all(temps, it > 21)", false},
		{"duration(temps, it > 21) == 3", true},
		{"duration(temps, it > 100) == 0", true},
	}
	for _, tt := range tests {
		if got := evalBool(t, tt.expr, signals); got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestHas(t *testing.T) {
	signals := Signals{
		Inputs:  map[string]any{"price": 1.0},
		Outputs: map[string]any{"eui": 90.0},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"has('price')", true},
		{"has('missing')", false},
		{"has('output.eui')", true},
		{"has('output.missing')", false},
		{"has(price)", true},
		{"has(output.eui)", true},
	}
	for _, tt := range tests {
		if got := evalBool(t, tt.expr, signals); got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestNormalizeIntegerSignals(t *testing.T) {
	signals := Signals{Inputs: map[string]any{"count": 3, "big": int64(7)}}
	if !evalBool(t, "count == 3 and big == 7", signals) {
		t.Fatalf("integer signals must compare as numbers")
	}
}

func TestDivisionByZero(t *testing.T) {
	err := evalErr(t, "1 / 0 > 0", Signals{})
	if err.Kind != ErrorType {
		t.Fatalf("kind=%s, want type", err.Kind)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	program, err := Compile("percentile(temps, 90) < 30 and duration(temps, it >= 22) >= 2")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	signals := Signals{Inputs: map[string]any{"temps": []any{20.0, 22.0, 24.0, 26.0}}}
	first, err := program.Evaluate(signals)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := program.Evaluate(signals)
		if err != nil || again != first {
			t.Fatalf("iteration %d: got %v err=%v, want %v", i, again, err, first)
		}
	}
}
