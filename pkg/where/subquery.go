package where

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// SubqueryPredicate describes the `<outer_column> IN (SELECT <inner_column>
// FROM <inner_relation>)` shape of a shape's dependency on another shape's
// materialized content. It is the only subquery form a shape's WHERE clause
// may reference.
type SubqueryPredicate struct {
	// OuterColumn is the column on the outer shape's relation being tested.
	OuterColumn string
	// InnerSchema/InnerTable identify the relation the inner SELECT reads.
	InnerSchema string
	InnerTable  string
	// InnerColumn is the single column selected by the inner query.
	InnerColumn string
}

// SplitSubqueryPredicate inspects a raw WHERE clause string for a top-level
// `IN (SELECT ...)` conjunct and splits it into:
//   - the SubqueryPredicate describing the dependency, or nil if none found
//   - the remaining local predicate SQL (may be empty if nothing remains)
//
// Only a single subquery conjunct is supported, combined with the rest of the
// predicate (if any) by AND. Any other subquery form (scalar subquery,
// EXISTS, IN with a multi-column or filtered SELECT) is left untouched and
// will be rejected later by Parse, which never allows subqueries.
func SplitSubqueryPredicate(whereClause string) (*SubqueryPredicate, string, error) {
	query := fmt.Sprintf("SELECT 1 WHERE %s", whereClause)
	result, err := pg_query.Parse(query)
	if err != nil {
		return nil, "", fmt.Errorf("parse error: %w", err)
	}
	if len(result.Stmts) != 1 {
		return nil, "", fmt.Errorf("unexpected ';' causing statement split")
	}
	stmt := result.Stmts[0].Stmt.GetSelectStmt()
	if stmt == nil {
		return nil, "", fmt.Errorf("unexpected statement type")
	}
	whereNode := stmt.WhereClause
	if whereNode == nil {
		return nil, "", fmt.Errorf("missing WHERE clause")
	}

	conjuncts := flattenAnd(whereNode)

	var (
		sub       *SubqueryPredicate
		remaining []*pg_query.Node
	)

	for _, node := range conjuncts {
		if sub == nil {
			if s, ok := extractSubqueryPredicate(node); ok {
				sub = s
				continue
			}
		}
		remaining = append(remaining, node)
	}

	if sub == nil {
		return nil, whereClause, nil
	}

	if len(remaining) == 0 {
		return sub, "", nil
	}

	rest := remaining[0]
	for _, n := range remaining[1:] {
		rest = andNode(rest, n)
	}

	restSQL, err := nodeToSQL(rest)
	if err != nil {
		return nil, "", fmt.Errorf("failed to normalize remaining predicate: %w", err)
	}

	return sub, restSQL, nil
}

// flattenAnd decomposes a chain of top-level AND expressions into its
// conjuncts. A non-AND node is returned as a single-element slice.
func flattenAnd(node *pg_query.Node) []*pg_query.Node {
	if be, ok := node.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		var out []*pg_query.Node
		for _, arg := range be.BoolExpr.Args {
			out = append(out, flattenAnd(arg)...)
		}
		return out
	}
	return []*pg_query.Node{node}
}

func andNode(a, b *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   []*pg_query.Node{a, b},
			},
		},
	}
}

// extractSubqueryPredicate recognizes `<column> IN (SELECT <column> FROM
// <relation>)` and returns the decoded SubqueryPredicate.
func extractSubqueryPredicate(node *pg_query.Node) (*SubqueryPredicate, bool) {
	sl, ok := node.Node.(*pg_query.Node_SubLink)
	if !ok {
		return nil, false
	}
	link := sl.SubLink
	if link.SubLinkType != pg_query.SubLinkType_ANY_SUBLINK {
		return nil, false
	}

	outerCol, ok := columnRefName(link.Testexpr)
	if !ok {
		return nil, false
	}

	inner := link.Subselect.GetSelectStmt()
	if inner == nil {
		return nil, false
	}
	if inner.WhereClause != nil || len(inner.TargetList) != 1 || len(inner.FromClause) != 1 {
		return nil, false
	}

	innerCol, ok := resTargetColumnName(inner.TargetList[0])
	if !ok {
		return nil, false
	}

	schemaName, tableName, ok := rangeVarName(inner.FromClause[0])
	if !ok {
		return nil, false
	}

	return &SubqueryPredicate{
		OuterColumn: outerCol,
		InnerSchema: schemaName,
		InnerTable:  tableName,
		InnerColumn: innerCol,
	}, true
}

func columnRefName(node *pg_query.Node) (string, bool) {
	if node == nil {
		return "", false
	}
	ref, ok := node.Node.(*pg_query.Node_ColumnRef)
	if !ok || len(ref.ColumnRef.Fields) != 1 {
		return "", false
	}
	s := ref.ColumnRef.Fields[0].GetString_()
	if s == nil {
		return "", false
	}
	return s.Sval, true
}

func resTargetColumnName(node *pg_query.Node) (string, bool) {
	rt, ok := node.Node.(*pg_query.Node_ResTarget)
	if !ok {
		return "", false
	}
	return columnRefName(rt.ResTarget.Val)
}

func rangeVarName(node *pg_query.Node) (schemaName, tableName string, ok bool) {
	rv, isRV := node.Node.(*pg_query.Node_RangeVar)
	if !isRV {
		return "", "", false
	}
	schemaName = rv.RangeVar.Schemaname
	if schemaName == "" {
		schemaName = "public"
	}
	tableName = rv.RangeVar.Relname
	if tableName == "" {
		return "", "", false
	}
	return schemaName, tableName, true
}

// String returns a human-readable SQL-like rendering, mainly for hashing and
// logging.
func (p *SubqueryPredicate) String() string {
	return fmt.Sprintf("%s IN (SELECT %s FROM %q.%q)", p.OuterColumn, p.InnerColumn, p.InnerSchema, p.InnerTable)
}
