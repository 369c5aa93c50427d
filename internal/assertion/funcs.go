package assertion

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Quantifiers evaluate their second argument lazily, once per element, with
// the element bound to "it".
var lazyFuncs = map[string]struct{}{
	"exists":   {},
	"all":      {},
	"duration": {},
}

func evalCall(n callNode, sc *scope) (any, error) {
	name := strings.TrimSpace(n.name)

	if _, lazy := lazyFuncs[name]; lazy {
		return evalQuantifier(name, n, sc)
	}
	if name == "has" {
		return evalHas(n, sc)
	}

	args := make([]any, 0, len(n.args))
	for _, arg := range n.args {
		value, err := eval(arg, sc)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}

	switch name {
	case "contains":
		s, sub, err := twoStrings(name, args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, sub), nil
	case "startsWith":
		s, prefix, err := twoStrings(name, args)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, prefix), nil
	case "endsWith":
		s, suffix, err := twoStrings(name, args)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s, suffix), nil
	case "matches":
		s, pattern, err := twoStrings(name, args)
		if err != nil {
			return nil, err
		}
		re, compileErr := regexp.Compile(pattern)
		if compileErr != nil {
			return nil, typeErrorf("matches: invalid pattern %q: %v", pattern, compileErr)
		}
		return re.MatchString(s), nil
	case "mean":
		series, err := oneSeries(name, args)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			return nil, typeErrorf("mean of empty series")
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total / float64(len(series)), nil
	case "sum":
		series, err := oneSeries(name, args)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total, nil
	case "max":
		series, err := oneSeries(name, args)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			return nil, typeErrorf("max of empty series")
		}
		maxValue := series[0]
		for _, v := range series[1:] {
			if v > maxValue {
				maxValue = v
			}
		}
		return maxValue, nil
	case "min":
		series, err := oneSeries(name, args)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			return nil, typeErrorf("min of empty series")
		}
		minValue := series[0]
		for _, v := range series[1:] {
			if v < minValue {
				minValue = v
			}
		}
		return minValue, nil
	case "percentile":
		if len(args) != 2 {
			return nil, typeErrorf("percentile requires a series and a percentile")
		}
		series, err := asSeries("percentile", args[0])
		if err != nil {
			return nil, err
		}
		p, ok := args[1].(float64)
		if !ok || p < 0 || p > 100 {
			return nil, typeErrorf("percentile requires a number between 0 and 100")
		}
		if len(series) == 0 {
			return nil, typeErrorf("percentile of empty series")
		}
		return percentile(series, p), nil
	case "abs":
		f, err := oneNumber(name, args)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	case "round":
		f, err := oneNumber(name, args)
		if err != nil {
			return nil, err
		}
		return math.Round(f), nil
	case "is_int":
		f, err := oneNumber(name, args)
		if err != nil {
			return nil, err
		}
		return f == math.Trunc(f), nil
	default:
		return nil, typeErrorf("unknown function %q", name)
	}
}

// evalHas takes the signal name as a string literal so that checking an
// undeclared signal does not itself error.
func evalHas(n callNode, sc *scope) (any, error) {
	if len(n.args) != 1 {
		return nil, typeErrorf("has requires one signal name")
	}
	switch arg := n.args[0].(type) {
	case literalNode:
		name, ok := arg.value.(string)
		if !ok {
			return nil, typeErrorf("has requires a quoted signal name")
		}
		return sc.has(name), nil
	case identNode:
		return sc.has(arg.name), nil
	default:
		return nil, typeErrorf("has requires a signal name")
	}
}

func evalQuantifier(name string, n callNode, sc *scope) (any, error) {
	if len(n.args) != 2 {
		return nil, typeErrorf("%s requires a series and a predicate", name)
	}
	seriesValue, err := eval(n.args[0], sc)
	if err != nil {
		return nil, err
	}
	items, ok := seriesValue.([]any)
	if !ok {
		return nil, typeErrorf("%s requires a series, got %s", name, typeName(seriesValue))
	}

	count := 0
	inner := &scope{signals: sc.signals, inLoop: true}
	for _, item := range items {
		inner.loop = item
		value, err := eval(n.args[1], inner)
		if err != nil {
			return nil, err
		}
		matched, ok := value.(bool)
		if !ok {
			return nil, typeErrorf("%s predicate must be boolean, got %s", name, typeName(value))
		}
		if matched {
			count++
			if name == "exists" {
				return true, nil
			}
			continue
		}
		if name == "all" {
			return false, nil
		}
	}

	switch name {
	case "exists":
		return false, nil
	case "all":
		return true, nil
	default: // duration: count of samples satisfying the predicate
		return float64(count), nil
	}
}

func percentile(series []float64, p float64) float64 {
	sorted := make([]float64, len(series))
	copy(sorted, series)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

func twoStrings(name string, args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", typeErrorf("%s requires two string arguments", name)
	}
	first, ok := args[0].(string)
	if !ok {
		return "", "", typeErrorf("%s requires string arguments, got %s", name, typeName(args[0]))
	}
	second, ok := args[1].(string)
	if !ok {
		return "", "", typeErrorf("%s requires string arguments, got %s", name, typeName(args[1]))
	}
	return first, second, nil
}

func oneNumber(name string, args []any) (float64, error) {
	if len(args) != 1 {
		return 0, typeErrorf("%s requires one numeric argument", name)
	}
	f, ok := args[0].(float64)
	if !ok {
		return 0, typeErrorf("%s requires a number, got %s", name, typeName(args[0]))
	}
	return f, nil
}

func oneSeries(name string, args []any) ([]float64, error) {
	if len(args) != 1 {
		return nil, typeErrorf("%s requires one series argument", name)
	}
	return asSeries(name, args[0])
}

func asSeries(name string, value any) ([]float64, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, typeErrorf("%s requires a series, got %s", name, typeName(value))
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, typeErrorf("%s requires a numeric series, found %s element", name, typeName(item))
		}
		out = append(out, f)
	}
	return out, nil
}
