package where

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Evaluate tests a WHERE clause against a record of column name to value.
// It returns whether the record matches, or an error if the predicate could
// not be evaluated (e.g. a referenced column is absent from the record).
//
// Evaluation is conservative: a caller that cannot afford a false negative
// (dropping a row that should have matched) should treat any error here as
// "assume matched" rather than "assume not matched". Evaluate itself never
// guesses; it only ever returns a definite true/false or an error.
func (w *WhereClause) Evaluate(record map[string]any) (bool, error) {
	return evalNode(w.ast, record)
}

func evalNode(node *pg_query.Node, record map[string]any) (bool, error) {
	if node == nil {
		return true, nil
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_AExpr:
		return evalAExpr(n.AExpr, record)
	case *pg_query.Node_BoolExpr:
		return evalBoolExpr(n.BoolExpr, record)
	case *pg_query.Node_NullTest:
		return evalNullTest(n.NullTest, record)
	case *pg_query.Node_BooleanTest:
		return evalBooleanTest(n.BooleanTest, record)
	default:
		return false, fmt.Errorf("cannot evaluate node of type %T as a boolean predicate", node.Node)
	}
}

func evalBoolExpr(expr *pg_query.BoolExpr, record map[string]any) (bool, error) {
	switch expr.Boolop {
	case pg_query.BoolExprType_NOT_EXPR:
		if len(expr.Args) != 1 {
			return false, fmt.Errorf("NOT expects exactly one argument")
		}
		v, err := evalNode(expr.Args[0], record)
		if err != nil {
			return false, err
		}
		return !v, nil

	case pg_query.BoolExprType_AND_EXPR:
		for _, arg := range expr.Args {
			v, err := evalNode(arg, record)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil

	case pg_query.BoolExprType_OR_EXPR:
		for _, arg := range expr.Args {
			v, err := evalNode(arg, record)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unsupported boolean operator: %v", expr.Boolop)
	}
}

func evalNullTest(nt *pg_query.NullTest, record map[string]any) (bool, error) {
	_, isNull, err := evalScalar(nt.Arg, record)
	if err != nil {
		return false, err
	}
	switch nt.Nulltesttype {
	case pg_query.NullTestType_IS_NULL:
		return isNull, nil
	case pg_query.NullTestType_IS_NOT_NULL:
		return !isNull, nil
	default:
		return false, fmt.Errorf("unsupported null test type: %v", nt.Nulltesttype)
	}
}

func evalBooleanTest(bt *pg_query.BooleanTest, record map[string]any) (bool, error) {
	val, isNull, err := evalScalar(bt.Arg, record)
	if err != nil {
		return false, err
	}

	var b, known bool
	if !isNull {
		if bv, ok := val.(bool); ok {
			b, known = bv, true
		}
	}

	switch bt.Booltesttype {
	case pg_query.BoolTestType_IS_TRUE:
		return known && b, nil
	case pg_query.BoolTestType_IS_NOT_TRUE:
		return !(known && b), nil
	case pg_query.BoolTestType_IS_FALSE:
		return known && !b, nil
	case pg_query.BoolTestType_IS_NOT_FALSE:
		return !(known && !b), nil
	case pg_query.BoolTestType_IS_UNKNOWN:
		return isNull, nil
	case pg_query.BoolTestType_IS_NOT_UNKNOWN:
		return !isNull, nil
	default:
		return false, fmt.Errorf("unsupported boolean test type: %v", bt.Booltesttype)
	}
}

func evalAExpr(expr *pg_query.A_Expr, record map[string]any) (bool, error) {
	switch expr.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		return evalComparison(expr, record)
	case pg_query.A_Expr_Kind_AEXPR_IN:
		return evalIn(expr, record)
	case pg_query.A_Expr_Kind_AEXPR_LIKE:
		return evalLike(expr, record, false)
	case pg_query.A_Expr_Kind_AEXPR_ILIKE:
		return evalLike(expr, record, true)
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN, pg_query.A_Expr_Kind_AEXPR_BETWEEN_SYM:
		return evalBetween(expr, record, true)
	case pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN, pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN_SYM:
		return evalBetween(expr, record, false)
	default:
		return false, fmt.Errorf("unsupported expression kind: %v", expr.Kind)
	}
}

func operatorName(names []*pg_query.Node) string {
	for _, name := range names {
		if s := name.GetString_(); s != nil {
			return s.Sval
		}
	}
	return ""
}

func evalComparison(expr *pg_query.A_Expr, record map[string]any) (bool, error) {
	left, leftNull, err := evalScalar(expr.Lexpr, record)
	if err != nil {
		return false, err
	}
	right, rightNull, err := evalScalar(expr.Rexpr, record)
	if err != nil {
		return false, err
	}
	if leftNull || rightNull {
		return false, nil
	}

	cmp, comparable := compareValues(left, right)
	op := operatorName(expr.Name)

	switch op {
	case "=":
		if !comparable {
			return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right), nil
		}
		return cmp == 0, nil
	case "<>", "!=":
		if !comparable {
			return fmt.Sprintf("%v", left) != fmt.Sprintf("%v", right), nil
		}
		return cmp != 0, nil
	case "<":
		if !comparable {
			return false, fmt.Errorf("values are not ordinally comparable for operator %q", op)
		}
		return cmp < 0, nil
	case "<=":
		if !comparable {
			return false, fmt.Errorf("values are not ordinally comparable for operator %q", op)
		}
		return cmp <= 0, nil
	case ">":
		if !comparable {
			return false, fmt.Errorf("values are not ordinally comparable for operator %q", op)
		}
		return cmp > 0, nil
	case ">=":
		if !comparable {
			return false, fmt.Errorf("values are not ordinally comparable for operator %q", op)
		}
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("operator %q is not evaluable", op)
	}
}

func evalIn(expr *pg_query.A_Expr, record map[string]any) (bool, error) {
	left, leftNull, err := evalScalar(expr.Lexpr, record)
	if err != nil {
		return false, err
	}
	if leftNull {
		return false, nil
	}

	list, ok := expr.Rexpr.Node.(*pg_query.Node_List)
	if !ok {
		return false, fmt.Errorf("IN expects a list of values")
	}

	op := operatorName(expr.Name)
	matched := false
	for _, item := range list.List.Items {
		right, rightNull, err := evalScalar(item, record)
		if err != nil {
			return false, err
		}
		if rightNull {
			continue
		}
		cmp, comparable := compareValues(left, right)
		if comparable && cmp == 0 {
			matched = true
			break
		}
		if !comparable && fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right) {
			matched = true
			break
		}
	}

	switch op {
	case "=":
		return matched, nil
	case "<>", "!=":
		return !matched, nil
	default:
		return matched, nil
	}
}

func evalLike(expr *pg_query.A_Expr, record map[string]any, caseInsensitive bool) (bool, error) {
	left, leftNull, err := evalScalar(expr.Lexpr, record)
	if err != nil {
		return false, err
	}
	right, rightNull, err := evalScalar(expr.Rexpr, record)
	if err != nil {
		return false, err
	}
	if leftNull || rightNull {
		return false, nil
	}

	leftStr, ok1 := left.(string)
	rightStr, ok2 := right.(string)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("LIKE requires string operands")
	}

	negate := strings.HasPrefix(operatorName(expr.Name), "!")
	matched := likeMatch(leftStr, rightStr, caseInsensitive)
	if negate {
		return !matched, nil
	}
	return matched, nil
}

// likeMatch implements SQL LIKE semantics with % and _ wildcards.
func likeMatch(s, pattern string, caseInsensitive bool) bool {
	if caseInsensitive {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatchRunes(s, p[1:]) {
			return true
		}
		for i := range s {
			if likeMatchRunes(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}

func evalBetween(expr *pg_query.A_Expr, record map[string]any, inclusive bool) (bool, error) {
	target, targetNull, err := evalScalar(expr.Lexpr, record)
	if err != nil {
		return false, err
	}
	if targetNull {
		return false, nil
	}

	list, ok := expr.Rexpr.Node.(*pg_query.Node_List)
	if !ok || len(list.List.Items) != 2 {
		return false, fmt.Errorf("BETWEEN expects exactly two bounds")
	}

	low, lowNull, err := evalScalar(list.List.Items[0], record)
	if err != nil {
		return false, err
	}
	high, highNull, err := evalScalar(list.List.Items[1], record)
	if err != nil {
		return false, err
	}
	if lowNull || highNull {
		return false, nil
	}

	lowCmp, lowComparable := compareValues(target, low)
	highCmp, highComparable := compareValues(target, high)
	if !lowComparable || !highComparable {
		return false, fmt.Errorf("BETWEEN operands are not ordinally comparable")
	}

	between := lowCmp >= 0 && highCmp <= 0
	if inclusive {
		return between, nil
	}
	return !between, nil
}

// evalScalar resolves a leaf expression (column reference or literal) to a
// Go value, reporting whether the resolved value is SQL NULL.
func evalScalar(node *pg_query.Node, record map[string]any) (any, bool, error) {
	if node == nil {
		return nil, true, nil
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		if len(n.ColumnRef.Fields) != 1 {
			return nil, false, fmt.Errorf("unsupported column reference")
		}
		str := n.ColumnRef.Fields[0].GetString_()
		if str == nil {
			return nil, false, fmt.Errorf("invalid column reference")
		}
		val, present := record[str.Sval]
		if !present {
			return nil, false, fmt.Errorf("column %q not present in record", str.Sval)
		}
		if val == nil {
			return nil, true, nil
		}
		return val, false, nil

	case *pg_query.Node_AConst:
		return evalAConst(n.AConst)

	case *pg_query.Node_TypeCast:
		return evalScalar(n.TypeCast.Arg, record)

	default:
		return nil, false, fmt.Errorf("unsupported scalar expression: %T", node.Node)
	}
}

func evalAConst(c *pg_query.A_Const) (any, bool, error) {
	if c.Isnull {
		return nil, true, nil
	}
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return int64(v.Ival.Ival), false, nil
	case *pg_query.A_Const_Fval:
		f, err := strconv.ParseFloat(v.Fval.Fval, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid numeric literal %q: %w", v.Fval.Fval, err)
		}
		return f, false, nil
	case *pg_query.A_Const_Boolval:
		return v.Boolval.Boolval, false, nil
	case *pg_query.A_Const_Sval:
		return v.Sval.Sval, false, nil
	case *pg_query.A_Const_Bsval:
		return v.Bsval.Bsval, false, nil
	default:
		return nil, true, nil
	}
}

// compareValues attempts an ordinal comparison between two resolved scalar
// values, coercing numeric types to float64, comparing strings lexically and
// ordering bools false before true. The second return value is false when the
// two values are not ordinally comparable (e.g. a string against a number).
func compareValues(a, b any) (int, bool) {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if ab == bb {
			return 0, true
		}
		if !ab && bb {
			return -1, true
		}
		return 1, true
	}

	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
