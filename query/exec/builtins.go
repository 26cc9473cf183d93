package exec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ziptag/ziptag/query/parser"
	"github.com/ziptag/ziptag/store"
)

/*
evalValue evaluates a value-producing Arg against the current tag value:
a string/number literal, the bare name "val" (the current tag's value),
or a nested function call such as lower(val) or num(val).
*/
func evalValue(arg parser.Arg, val string) (interface{}, error) {
	switch a := arg.(type) {
	case string:
		if a == "val" {
			return val, nil
		}
		return a, nil
	case float64:
		return a, nil
	case *parser.FunCall:
		return evalValueFunc(a, val)
	}
	return nil, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("unsupported arg %T", arg)}
}

func evalValueFunc(fn *parser.FunCall, val string) (interface{}, error) {
	switch fn.Name {
	case "val":
		return val, nil
	case "num":
		s, err := argString(fn, 0, val)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("num(%q): %v", s, err)}
		}
		return f, nil
	case "lower":
		s, err := argString(fn, 0, val)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "upper":
		s, err := argString(fn, 0, val)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "len":
		s, err := argString(fn, 0, val)
		if err != nil {
			return nil, err
		}
		return float64(len(s)), nil
	}
	return nil, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("unknown value function %q", fn.Name)}
}

func argString(fn *parser.FunCall, i int, val string) (string, error) {
	v, err := argValue(fn, i, val)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func argFloat(fn *parser.FunCall, i int, val string) (float64, error) {
	v, err := argValue(fn, i, val)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("%q is not numeric", n)}
		}
		return f, nil
	}
	return 0, &store.ZTError{Type: store.ErrQueryType, Detail: "expected a numeric argument"}
}

func argValue(fn *parser.FunCall, i int, val string) (interface{}, error) {
	if i >= len(fn.Args) {
		return nil, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("%s() missing argument %d", fn.Name, i)}
	}
	return evalValue(fn.Args[i], val)
}

/*
evalPredicate evaluates a FunCall used as a boolean predicate against the
current tag value: startswith, regex, the numeric comparators, the
logical combinators all/any, exclude (value inequality), and match.
*/
func evalPredicate(fn *parser.FunCall, val string) (bool, error) {
	switch fn.Name {
	case "startswith":
		prefix, err := argString(fn, 0, val)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(val, prefix), nil

	case "regex", "match":
		pattern, err := argString(fn, 0, val)
		if err != nil {
			return false, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &store.ZTError{Type: store.ErrQueryType, Detail: err.Error()}
		}
		return re.MatchString(val), nil

	case "gte", "gt", "lte", "lt":
		a, err := argFloat(fn, 0, val)
		if err != nil {
			return false, err
		}
		b, err := argFloat(fn, 1, val)
		if err != nil {
			return false, err
		}
		switch fn.Name {
		case "gte":
			return a >= b, nil
		case "gt":
			return a > b, nil
		case "lte":
			return a <= b, nil
		default:
			return a < b, nil
		}

	case "exclude":
		s, err := argString(fn, 0, val)
		if err != nil {
			return false, err
		}
		return val != s, nil

	case "all", "any":
		if len(fn.Args) == 0 {
			return fn.Name == "all", nil
		}
		matched := 0
		for _, a := range fn.Args {
			sub, ok := a.(*parser.FunCall)
			if !ok {
				return false, &store.ZTError{Type: store.ErrQueryType, Detail: fn.Name + "() arguments must be predicates"}
			}
			ok2, err := evalPredicate(sub, val)
			if err != nil {
				return false, err
			}
			if ok2 {
				matched++
				if fn.Name == "any" {
					return true, nil
				}
			} else if fn.Name == "all" {
				return false, nil
			}
		}
		return fn.Name == "all" || matched > 0, nil
	}

	return false, &store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("unknown predicate function %q", fn.Name)}
}
