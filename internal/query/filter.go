// Package query provides a small typed predicate tree used by the permission
// evaluator to express row-level filters. Repositories render a tree to a SQL
// boolean clause with positional arguments; the evaluator itself never builds
// SQL strings.
package query

import (
	"fmt"
	"strings"
)

// Expr is a node in the predicate tree.
type Expr interface {
	isExpr()
}

type allowAll struct{}
type denyAll struct{}

type eq struct {
	col string
	val interface{}
}

type in struct {
	col  string
	vals []interface{}
}

type and struct{ exprs []Expr }
type or struct{ exprs []Expr }

func (allowAll) isExpr() {}
func (denyAll) isExpr()  {}
func (eq) isExpr()       {}
func (in) isExpr()       {}
func (and) isExpr()      {}
func (or) isExpr()       {}

// AllowAll matches every row.
func AllowAll() Expr { return allowAll{} }

// DenyAll matches no row. An In over an empty set collapses to DenyAll, so an
// absent viewer scope can never widen into an unrestricted grant.
func DenyAll() Expr { return denyAll{} }

// Eq matches rows where column equals value.
func Eq(col string, val interface{}) Expr { return eq{col: col, val: val} }

// In matches rows where column is one of vals; empty vals deny.
func In(col string, vals ...interface{}) Expr {
	if len(vals) == 0 {
		return denyAll{}
	}
	return in{col: col, vals: vals}
}

// StringsIn is In over a string slice.
func StringsIn(col string, vals []string) Expr {
	if len(vals) == 0 {
		return denyAll{}
	}
	converted := make([]interface{}, len(vals))
	for i, v := range vals {
		converted[i] = v
	}
	return in{col: col, vals: converted}
}

// And conjoins expressions; AllowAll operands are dropped, any DenyAll
// short-circuits the whole conjunction.
func And(exprs ...Expr) Expr {
	kept := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		switch e.(type) {
		case allowAll:
			continue
		case denyAll:
			return denyAll{}
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return allowAll{}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return and{exprs: kept}
}

// Or disjoins expressions; DenyAll operands are dropped, any AllowAll
// short-circuits. An empty disjunction denies.
func Or(exprs ...Expr) Expr {
	kept := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		switch e.(type) {
		case denyAll:
			continue
		case allowAll:
			return allowAll{}
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return denyAll{}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return or{exprs: kept}
}

// IsDenyAll lets callers skip the database round-trip entirely.
func IsDenyAll(e Expr) bool {
	_, ok := e.(denyAll)
	return ok
}

// IsAllowAll reports an unrestricted filter.
func IsAllowAll(e Expr) bool {
	_, ok := e.(allowAll)
	return ok
}

// SQL renders the expression to a PostgreSQL boolean clause. Positional
// placeholders start at argOffset+1 so the clause can be appended to an
// existing WHERE with arguments already bound.
func SQL(e Expr, argOffset int) (string, []interface{}) {
	var args []interface{}
	clause := render(e, &args, argOffset)
	return clause, args
}

func render(e Expr, args *[]interface{}, offset int) string {
	switch node := e.(type) {
	case allowAll:
		return "TRUE"
	case denyAll:
		return "FALSE"
	case eq:
		*args = append(*args, node.val)
		return fmt.Sprintf("%s = $%d", node.col, offset+len(*args))
	case in:
		placeholders := make([]string, len(node.vals))
		for i, v := range node.vals {
			*args = append(*args, v)
			placeholders[i] = fmt.Sprintf("$%d", offset+len(*args))
		}
		return fmt.Sprintf("%s IN (%s)", node.col, strings.Join(placeholders, ", "))
	case and:
		parts := make([]string, len(node.exprs))
		for i, sub := range node.exprs {
			parts[i] = render(sub, args, offset)
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case or:
		parts := make([]string, len(node.exprs))
		for i, sub := range node.exprs {
			parts[i] = render(sub, args, offset)
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		return "FALSE"
	}
}
