package assertion

import (
	"fmt"
	"strings"
)

// ErrorKind classifies why an expression could not be evaluated.
type ErrorKind string

const (
	ErrorParse      ErrorKind = "parse"
	ErrorUndeclared ErrorKind = "undeclared_signal"
	ErrorType       ErrorKind = "type"
	ErrorNonBoolean ErrorKind = "non_boolean_result"
)

// EvalError is returned for any expression that cannot be evaluated to a
// boolean. Callers convert it into a failed assertion with a system-flagged
// message; it must never crash step execution.
type EvalError struct {
	Kind    ErrorKind
	Message string
}

func (e *EvalError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Signals are the bindings an expression is evaluated against. An unprefixed
// identifier resolves against Inputs only; the reserved "output." prefix
// selects Outputs. When an input and an output share a name, the unprefixed
// form deliberately resolves to the input.
type Signals struct {
	Inputs  map[string]any
	Outputs map[string]any
}

const outputPrefix = "output."

// loopVar is the per-element binding inside exists/all/duration predicates.
const loopVar = "it"

// Program is a compiled expression, reusable across evaluations.
type Program struct {
	root node
	src  string
}

func Compile(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &EvalError{Kind: ErrorParse, Message: "empty expression"}
	}
	root, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return &Program{root: root, src: expression}, nil
}

// Evaluate compiles and runs an expression against the given signals.
func Evaluate(expression string, signals Signals) (bool, error) {
	program, err := Compile(expression)
	if err != nil {
		return false, err
	}
	return program.Evaluate(signals)
}

func (p *Program) Evaluate(signals Signals) (bool, error) {
	scope := &scope{signals: signals}
	value, err := eval(p.root, scope)
	if err != nil {
		return false, err
	}
	result, ok := value.(bool)
	if !ok {
		return false, &EvalError{
			Kind:    ErrorNonBoolean,
			Message: fmt.Sprintf("expression %q evaluated to %s, expected boolean", p.src, typeName(value)),
		}
	}
	return result, nil
}

func (p *Program) Source() string {
	return p.src
}

type scope struct {
	signals Signals
	loop    any
	inLoop  bool
}

func (s *scope) resolve(name string) (any, error) {
	name = strings.TrimSpace(name)
	if s.inLoop && name == loopVar {
		return s.loop, nil
	}
	if strings.HasPrefix(name, outputPrefix) {
		key := strings.TrimPrefix(name, outputPrefix)
		value, ok := s.signals.Outputs[key]
		if !ok {
			return nil, &EvalError{Kind: ErrorUndeclared, Message: fmt.Sprintf("output signal %q is not declared", key)}
		}
		return normalize(value)
	}
	value, ok := s.signals.Inputs[name]
	if !ok {
		return nil, &EvalError{Kind: ErrorUndeclared, Message: fmt.Sprintf("signal %q is not declared", name)}
	}
	return normalize(value)
}

// has reports whether a signal name (optionally output-prefixed) is bound.
func (s *scope) has(name string) bool {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, outputPrefix) {
		_, ok := s.signals.Outputs[strings.TrimPrefix(name, outputPrefix)]
		return ok
	}
	_, ok := s.signals.Inputs[name]
	return ok
}

func eval(n node, sc *scope) (any, error) {
	switch typed := n.(type) {
	case literalNode:
		return typed.value, nil
	case identNode:
		return sc.resolve(typed.name)
	case unaryNode:
		return evalUnary(typed, sc)
	case binaryNode:
		return evalBinary(typed, sc)
	case callNode:
		return evalCall(typed, sc)
	default:
		return nil, &EvalError{Kind: ErrorParse, Message: "unknown expression node"}
	}
}

func evalUnary(n unaryNode, sc *scope) (any, error) {
	value, err := eval(n.operand, sc)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		b, ok := value.(bool)
		if !ok {
			return nil, typeErrorf("operator not requires a boolean, got %s", typeName(value))
		}
		return !b, nil
	case "-":
		f, ok := value.(float64)
		if !ok {
			return nil, typeErrorf("unary minus requires a number, got %s", typeName(value))
		}
		return -f, nil
	default:
		return nil, typeErrorf("unsupported unary operator %q", n.op)
	}
}

func evalBinary(n binaryNode, sc *scope) (any, error) {
	// and/or short-circuit.
	switch n.op {
	case "and", "or":
		left, err := eval(n.left, sc)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, typeErrorf("operator %s requires booleans, got %s", n.op, typeName(left))
		}
		if n.op == "and" && !lb {
			return false, nil
		}
		if n.op == "or" && lb {
			return true, nil
		}
		right, err := eval(n.right, sc)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, typeErrorf("operator %s requires booleans, got %s", n.op, typeName(right))
		}
		return rb, nil
	}

	left, err := eval(n.left, sc)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, sc)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return valuesEqual(left, right)
	case "!=":
		eq, err := valuesEqual(left, right)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, left, right)
	case "+", "-", "*", "/", "%":
		return arithmetic(n.op, left, right)
	default:
		return nil, typeErrorf("unsupported operator %q", n.op)
	}
}

func valuesEqual(left, right any) (bool, error) {
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, typeErrorf("cannot compare number with %s", typeName(right))
		}
		return l == r, nil
	case string:
		r, ok := right.(string)
		if !ok {
			return false, typeErrorf("cannot compare string with %s", typeName(right))
		}
		return l == r, nil
	case bool:
		r, ok := right.(bool)
		if !ok {
			return false, typeErrorf("cannot compare boolean with %s", typeName(right))
		}
		return l == r, nil
	default:
		return false, typeErrorf("cannot compare %s values", typeName(left))
	}
}

func compareOrdered(op string, left, right any) (bool, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, typeErrorf("operator %s requires two numbers or two strings, got %s and %s", op, typeName(left), typeName(right))
}

func arithmetic(op string, left, right any) (any, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		if op == "+" {
			ls, lok := left.(string)
			rs, rok := right.(string)
			if lok && rok {
				return ls + rs, nil
			}
		}
		return nil, typeErrorf("operator %s requires numbers, got %s and %s", op, typeName(left), typeName(right))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, typeErrorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, typeErrorf("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, typeErrorf("unsupported arithmetic operator %q", op)
}

// normalize converts raw signal values (typically decoded JSON) into the
// evaluator's value set: float64, string, bool, []any.
func normalize(value any) (any, error) {
	switch typed := value.(type) {
	case nil:
		return nil, typeErrorf("signal value is null")
	case float64, string, bool:
		return typed, nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case float32:
		return float64(typed), nil
	case []float64:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = v
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, normalized)
		}
		return out, nil
	default:
		return nil, typeErrorf("unsupported signal value type %T", value)
	}
}

func typeName(value any) string {
	switch value.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "series"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func typeErrorf(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrorType, Message: fmt.Sprintf(format, args...)}
}
