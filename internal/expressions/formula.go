package expressions

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrorPrefix marks a formula value that failed to evaluate.
const ErrorPrefix = "#ERROR: "

// comparisonOperators are tried in order at each position, so two-character
// operators win over their one-character prefixes.
var comparisonOperators = []string{">=", "<=", "==", "!=", ">", "<", "="}

type formulaFunc struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	eval             func(f *FormulaEvaluator, args []string) (string, error)
}

var formulaFuncs = map[string]formulaFunc{
	"CONCAT": {0, -1, func(_ *FormulaEvaluator, args []string) (string, error) {
		return strings.Join(args, ""), nil
	}},
	"UPPER": {1, 1, func(_ *FormulaEvaluator, args []string) (string, error) {
		return strings.ToUpper(args[0]), nil
	}},
	"LOWER": {1, 1, func(_ *FormulaEvaluator, args []string) (string, error) {
		return strings.ToLower(args[0]), nil
	}},
	"TRIM": {1, 1, func(_ *FormulaEvaluator, args []string) (string, error) {
		return strings.TrimSpace(args[0]), nil
	}},
	"LEN": {1, 1, func(_ *FormulaEvaluator, args []string) (string, error) {
		return strconv.Itoa(utf8.RuneCountInString(args[0])), nil
	}},
	"LEFT":     {2, 2, evalLeft},
	"RIGHT":    {2, 2, evalRight},
	"REPLACE":  {3, 3, evalReplace},
	"ROUND":    {1, 2, evalRound},
	"CONTAINS": {2, 2, evalContains},
	"IF":       {2, 3, evalIf},
}

// FormulaEvaluator interprets the single-level formula language over an
// already resolved string. It never returns an error: unknown forms pass
// through unchanged and failures become "#ERROR: <message>" values.
// Safe for concurrent use.
type FormulaEvaluator struct {
	compare *ExprEngine
}

// NewFormulaEvaluator creates an evaluator. IF comparisons run on expr.
func NewFormulaEvaluator() *FormulaEvaluator {
	return &FormulaEvaluator{compare: NewExprEngine()}
}

// Evaluate interprets input as a single top-level call such as
// CONCAT("a", "b"). Names are case-insensitive and arguments are not
// evaluated recursively.
func (f *FormulaEvaluator) Evaluate(input string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = ErrorPrefix + fmt.Sprint(r)
		}
	}()

	name, rawArgs, ok := parseCall(input)
	if !ok {
		return input
	}
	fn, known := formulaFuncs[strings.ToUpper(name)]
	if !known {
		return input
	}

	args := splitArgs(rawArgs)
	if fn.minArgs == fn.maxArgs && len(args) != fn.minArgs {
		return fmt.Sprintf("%s%s expects %d argument(s), got %d", ErrorPrefix, strings.ToUpper(name), fn.minArgs, len(args))
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return fmt.Sprintf("%s%s expects %d to %d arguments, got %d", ErrorPrefix, strings.ToUpper(name), fn.minArgs, fn.maxArgs, len(args))
	}

	// IF needs the raw condition text to find its operator outside quotes.
	if strings.EqualFold(name, "IF") {
		res, err := fn.eval(f, args)
		if err != nil {
			return ErrorPrefix + err.Error()
		}
		return res
	}

	for i := range args {
		args[i] = unquote(args[i])
	}
	res, err := fn.eval(f, args)
	if err != nil {
		return ErrorPrefix + err.Error()
	}
	return res
}

// IsError reports whether a formula value is an #ERROR token.
func IsError(value string) bool {
	return strings.HasPrefix(value, ErrorPrefix)
}

// parseCall splits "NAME(args)" into its name and raw argument text. The
// whole trimmed input must be one call.
func parseCall(input string) (name, args string, ok bool) {
	s := strings.TrimSpace(input)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	name = strings.TrimSpace(s[:open])
	for _, r := range name {
		if !unicode.IsLetter(r) {
			return "", "", false
		}
	}
	return name, s[open+1 : len(s)-1], true
}

// splitArgs splits on commas outside quotes and parentheses. Each argument is
// trimmed but keeps its quotes.
func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var (
		args  []string
		cur   strings.Builder
		quote rune
		depth int
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ',' && depth == 0:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseNumber parses a trimmed decimal. ok is false for anything else.
func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseCount(s string) int {
	v, _ := parseNumber(s)
	if v < 0 {
		return 0
	}
	return int(v)
}

func evalLeft(_ *FormulaEvaluator, args []string) (string, error) {
	runes := []rune(args[0])
	n := min(parseCount(args[1]), len(runes))
	return string(runes[:n]), nil
}

func evalRight(_ *FormulaEvaluator, args []string) (string, error) {
	runes := []rune(args[0])
	n := min(parseCount(args[1]), len(runes))
	return string(runes[len(runes)-n:]), nil
}

func evalReplace(_ *FormulaEvaluator, args []string) (string, error) {
	if args[1] == "" {
		return args[0], nil
	}
	return strings.ReplaceAll(args[0], args[1], args[2]), nil
}

func evalRound(_ *FormulaEvaluator, args []string) (string, error) {
	v, _ := parseNumber(args[0])
	decimals := 0
	if len(args) > 1 {
		decimals = parseCount(args[1])
	}
	if decimals > 15 {
		decimals = 15
	}
	scale := math.Pow(10, float64(decimals))
	rounded := math.Round(v*scale) / scale
	return strconv.FormatFloat(rounded, 'f', decimals, 64), nil
}

func evalContains(_ *FormulaEvaluator, args []string) (string, error) {
	if strings.Contains(strings.ToLower(args[0]), strings.ToLower(args[1])) {
		return "TRUE", nil
	}
	return "FALSE", nil
}

func evalIf(f *FormulaEvaluator, args []string) (string, error) {
	ok, err := f.condition(args[0])
	if err != nil {
		return "", err
	}
	if ok {
		return unquote(args[1]), nil
	}
	if len(args) > 2 {
		return unquote(args[2]), nil
	}
	return "", nil
}

// condition evaluates an IF condition: a binary comparison, or a bare value
// that is truthy unless empty, "0" or "FALSE".
func (f *FormulaEvaluator) condition(cond string) (bool, error) {
	left, op, right, found := splitComparison(cond)
	if !found {
		v := strings.TrimSpace(unquote(cond))
		return v != "" && v != "0" && !strings.EqualFold(v, "FALSE"), nil
	}
	if op == "=" {
		op = "=="
	}
	return f.Compare(op, unquote(left), unquote(right))
}

// Compare applies a comparison operator. Both sides are compared as numbers
// when both parse as numbers, else as strings.
func (f *FormulaEvaluator) Compare(op, left, right string) (bool, error) {
	env := map[string]any{"left": left, "right": right}
	if l, ok := parseNumber(left); ok {
		if r, ok := parseNumber(right); ok {
			env = map[string]any{"left": l, "right": r}
		}
	}
	out, err := f.compare.Evaluate(context.Background(), "left "+op+" right", env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("comparison %q returned %T", op, out)
	}
	return b, nil
}

// splitComparison finds the first comparison operator outside quotes.
func splitComparison(cond string) (left, op, right string, found bool) {
	var quote byte
	for i := 0; i < len(cond); i++ {
		c := cond[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		for _, candidate := range comparisonOperators {
			if strings.HasPrefix(cond[i:], candidate) {
				return strings.TrimSpace(cond[:i]), candidate, strings.TrimSpace(cond[i+len(candidate):]), true
			}
		}
	}
	return "", "", "", false
}
