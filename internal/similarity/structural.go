package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
)

// ErrParse is wrapped by every failure to turn text into a SELECT statement
var ErrParse = errors.New("cannot parse statement")

// Component weights; they sum to one
const (
	weightFrom    = 0.15
	weightSelect  = 0.25
	weightJoin    = 0.15
	weightWhere   = 0.25
	weightGroupBy = 0.10
	weightOrderBy = 0.10
)

// Breakdown is the per-component similarity behind a structural score
type Breakdown struct {
	From    float64 `json:"from"`
	Select  float64 `json:"select"`
	Join    float64 `json:"join"`
	Where   float64 `json:"where"`
	GroupBy float64 `json:"group_by"`
	OrderBy float64 `json:"order_by"`
	Total   float64 `json:"total"`
}

// StructuralComparator scores two SELECT statements by the overlap of their clauses
type StructuralComparator struct {
	logger *zap.Logger
}

// NewStructuralComparator creates a structural comparator
func NewStructuralComparator(logger *zap.Logger) *StructuralComparator {
	return &StructuralComparator{logger: logger}
}

// Kind implements Comparator
func (s *StructuralComparator) Kind() models.ComparatorKind {
	return models.ComparatorStructural
}

// Compare implements Comparator
func (s *StructuralComparator) Compare(_ context.Context, reference *models.SampleQuery, candidate *models.GeneratedCandidate) float64 {
	if reference == nil || candidate == nil {
		return math.NaN()
	}
	return s.Score(reference.ReferenceSQL, candidate.SQL)
}

// Score returns the weighted similarity of two statements rounded to three decimals,
// or NaN when either fails to parse.
func (s *StructuralComparator) Score(reference, candidate string) float64 {
	b, err := s.Breakdown(reference, candidate)
	if err != nil {
		s.logger.Debug("structural comparison failed", zap.Error(err))
		metrics.ComparisonFailures.WithLabelValues(string(models.ComparatorStructural)).Inc()
		return math.NaN()
	}
	metrics.ComparisonScores.WithLabelValues(string(models.ComparatorStructural)).Observe(b.Total)
	return b.Total
}

// Breakdown returns every component similarity alongside the rounded total
func (s *StructuralComparator) Breakdown(reference, candidate string) (*Breakdown, error) {
	ref, err := extract(reference)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	cand, err := extract(candidate)
	if err != nil {
		return nil, fmt.Errorf("candidate: %w", err)
	}

	b := &Breakdown{
		From:    jaccard(ref.from, cand.from),
		Select:  jaccard(ref.selects, cand.selects),
		Join:    jaccard(ref.joins, cand.joins),
		Where:   jaccard(ref.where, cand.where),
		GroupBy: jaccard(ref.groupBy, cand.groupBy),
		OrderBy: jaccard(ref.orderBy, cand.orderBy),
	}
	total := weightFrom*b.From +
		weightSelect*b.Select +
		weightJoin*b.Join +
		weightWhere*b.Where +
		weightGroupBy*b.GroupBy +
		weightOrderBy*b.OrderBy
	b.Total = round3(total)
	return b, nil
}

// ParseStatement parses text as a single SELECT statement in the PostgreSQL dialect,
// WITH clauses included. A trailing semicolon is allowed; set operations are not.
func ParseStatement(sql string) (*tree.Select, error) {
	text := strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
	if text == "" {
		return nil, fmt.Errorf("%w: empty statement", ErrParse)
	}
	stmts, err := parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(stmts) != 1 {
		return nil, fmt.Errorf("%w: expected one statement, got %d", ErrParse, len(stmts))
	}
	sel, ok := stmts[0].AST.(*tree.Select)
	if !ok {
		return nil, fmt.Errorf("%w: not a SELECT statement", ErrParse)
	}
	if _, ok := selectClause(sel); !ok {
		return nil, fmt.Errorf("%w: only plain SELECT bodies are supported", ErrParse)
	}
	return sel, nil
}

// selectClause unwraps parenthesized selects down to the SELECT body
func selectClause(sel *tree.Select) (*tree.SelectClause, bool) {
	for sel != nil {
		switch body := sel.Select.(type) {
		case *tree.SelectClause:
			return body, true
		case *tree.ParenSelect:
			sel = body.Select
		default:
			return nil, false
		}
	}
	return nil, false
}

// orderBy returns the ordering of the first level that has one
func orderBy(sel *tree.Select) tree.OrderBy {
	for sel != nil {
		if len(sel.OrderBy) > 0 {
			return sel.OrderBy
		}
		paren, ok := sel.Select.(*tree.ParenSelect)
		if !ok {
			return nil
		}
		sel = paren.Select
	}
	return nil
}

type stringSet map[string]struct{}

func (s stringSet) add(v string) {
	s[v] = struct{}{}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// features is the normalized set representation of one statement
type features struct {
	from    stringSet
	selects stringSet
	joins   stringSet
	where   stringSet
	groupBy stringSet
	orderBy stringSet
}

func extract(sql string) (*features, error) {
	sel, err := ParseStatement(sql)
	if err != nil {
		return nil, err
	}
	return newScope(nil).selectFeatures(sel), nil
}

// scope holds the names one SELECT can see: common table expressions and table aliases.
// Subqueries inherit the enclosing scope so correlated references resolve too.
type scope struct {
	ctes      map[string]*tree.Select
	aliases   map[string]string
	ambiguous map[string]bool
}

func newScope(parent *scope) *scope {
	sc := &scope{
		ctes:      map[string]*tree.Select{},
		aliases:   map[string]string{},
		ambiguous: map[string]bool{},
	}
	if parent != nil {
		for k, v := range parent.ctes {
			sc.ctes[k] = v
		}
		for k, v := range parent.aliases {
			sc.aliases[k] = v
		}
		for k, v := range parent.ambiguous {
			sc.ambiguous[k] = v
		}
	}
	return sc
}

func (sc *scope) selectFeatures(sel *tree.Select) *features {
	f := &features{
		from:    stringSet{},
		selects: stringSet{},
		joins:   stringSet{},
		where:   stringSet{},
		groupBy: stringSet{},
		orderBy: stringSet{},
	}
	if sel.With != nil {
		for _, cte := range sel.With.CTEList {
			if body, ok := cte.Stmt.(*tree.Select); ok {
				sc.ctes[ident(string(cte.Name.Alias))] = body
			}
		}
	}
	clause, ok := selectClause(sel)
	if !ok {
		return f
	}

	sc.collectAliases(clause.From.Tables, map[string]string{})
	sc.collectTables(clause.From.Tables, f.from)
	collectJoins(clause.From.Tables, f.joins)

	for _, expr := range clause.Exprs {
		f.selects.add(selectItem(sc.resolve(expr.Expr)))
	}
	if clause.Where != nil && clause.Where.Expr != nil {
		for _, fact := range sc.conditionFacts(sc.resolve(clause.Where.Expr)) {
			f.where.add(fact)
		}
	}
	for _, expr := range clause.GroupBy {
		f.groupBy.add(compact(tree.AsString(sc.resolve(expr))))
	}
	// Only the ordering expression counts; direction and null placement are ignored
	for _, order := range orderBy(sel) {
		f.orderBy.add(compact(tree.AsString(sc.resolve(order.Expr))))
	}
	return f
}

// collectAliases records which table each alias of this FROM clause stands for.
// An alias bound to two different tables in the same clause is left unresolved.
func (sc *scope) collectAliases(exprs tree.TableExprs, local map[string]string) {
	for _, expr := range exprs {
		switch t := expr.(type) {
		case *tree.AliasedTableExpr:
			if t.As.Alias == "" {
				continue
			}
			if _, ok := t.Expr.(*tree.Subquery); ok {
				continue
			}
			alias := ident(string(t.As.Alias))
			table := ident(tree.AsString(t.Expr))
			if prev, seen := local[alias]; seen && prev != table {
				sc.ambiguous[alias] = true
			}
			local[alias] = table
			sc.aliases[alias] = table
		case *tree.JoinTableExpr:
			sc.collectAliases(tree.TableExprs{t.Left, t.Right}, local)
		case *tree.ParenTableExpr:
			sc.collectAliases(tree.TableExprs{t.Expr}, local)
		}
	}
}

// resolve rewrites alias-qualified column references in place to the aliased table's name,
// so "a.x FROM t a" and "b.x FROM t b" normalize identically. Subqueries are resolved
// when their own features are extracted.
func (sc *scope) resolve(expr tree.Expr) tree.Expr {
	if expr == nil || len(sc.aliases) == 0 {
		return expr
	}
	_, _ = tree.SimpleVisit(expr, func(e tree.Expr) (bool, tree.Expr, error) {
		name, ok := e.(*tree.UnresolvedName)
		if !ok || name.NumParts != 2 {
			return true, e, nil
		}
		alias := ident(name.Parts[1])
		if table, ok := sc.aliases[alias]; ok && !sc.ambiguous[alias] {
			name.Parts[1] = table
		}
		return false, e, nil
	})
	return expr
}

// collectTables adds every table reachable from the FROM clause. Joins, derived tables
// and common table expressions contribute the tables they read from.
func (sc *scope) collectTables(exprs tree.TableExprs, out stringSet) {
	for _, expr := range exprs {
		switch t := expr.(type) {
		case *tree.AliasedTableExpr:
			switch src := t.Expr.(type) {
			case *tree.Subquery:
				if paren, ok := src.Select.(*tree.ParenSelect); ok {
					sc.bodyTables(paren.Select, "", out)
				}
			default:
				name := ident(tree.AsString(src))
				if body, ok := sc.ctes[name]; ok {
					sc.bodyTables(body, name, out)
					continue
				}
				out.add(name)
			}
		case *tree.JoinTableExpr:
			sc.collectTables(tree.TableExprs{t.Left, t.Right}, out)
		case *tree.ParenTableExpr:
			sc.collectTables(tree.TableExprs{t.Expr}, out)
		}
	}
}

// bodyTables adds the tables a nested SELECT reads. cte names the expression being
// inlined; it is hidden inside its own body so a self-named table is not expanded forever.
func (sc *scope) bodyTables(sel *tree.Select, cte string, out stringSet) {
	inner := newScope(sc)
	if cte != "" {
		delete(inner.ctes, cte)
	}
	if sel != nil && sel.With != nil {
		for _, c := range sel.With.CTEList {
			if body, ok := c.Stmt.(*tree.Select); ok {
				inner.ctes[ident(string(c.Name.Alias))] = body
			}
		}
	}
	if clause, ok := selectClause(sel); ok {
		inner.collectTables(clause.From.Tables, out)
	}
}

// collectJoins adds the right-hand side of every join
func collectJoins(exprs tree.TableExprs, out stringSet) {
	for _, expr := range exprs {
		switch t := expr.(type) {
		case *tree.JoinTableExpr:
			collectJoins(tree.TableExprs{t.Left}, out)
			out.add(joinTarget(t.Right))
			collectJoins(tree.TableExprs{t.Right}, out)
		case *tree.ParenTableExpr:
			collectJoins(tree.TableExprs{t.Expr}, out)
		}
	}
}

func joinTarget(expr tree.TableExpr) string {
	if ate, ok := expr.(*tree.AliasedTableExpr); ok {
		if _, ok := ate.Expr.(*tree.Subquery); !ok {
			return ident(tree.AsString(ate.Expr))
		}
		return compact(tree.AsString(ate.Expr))
	}
	return compact(tree.AsString(expr))
}

// selectItem renders one selected expression; the alias lives outside the expression
func selectItem(expr tree.Expr) string {
	return strings.Join(strings.Fields(ident(tree.AsString(expr))), " ")
}

// conditionFacts flattens a WHERE expression into independent, order-insensitive facts
func (sc *scope) conditionFacts(expr tree.Expr) []string {
	switch e := expr.(type) {
	case *tree.AndExpr:
		return append(sc.conditionFacts(e.Left), sc.conditionFacts(e.Right)...)
	case *tree.ParenExpr:
		return sc.conditionFacts(e.Expr)
	case *tree.OrExpr:
		branches := stringSet{}
		for _, d := range disjuncts(e) {
			facts := sc.conditionFacts(d)
			sort.Strings(facts)
			branches.add(strings.Join(facts, "&"))
		}
		return []string{"OR(" + strings.Join(branches.sorted(), ",") + ")"}
	case *tree.ComparisonExpr:
		left, right := sc.operand(e.Left), sc.operand(e.Right)
		if e.Operator == tree.EQ {
			if right < left {
				left, right = right, left
			}
			return []string{left + "=" + right}
		}
		return []string{left + compact(e.Operator.String()) + right}
	case *tree.Subquery:
		if e.Exists {
			return []string{"exists" + sc.operand(e)}
		}
	}
	return []string{sc.operand(expr)}
}

// disjuncts returns the branches of a chain of ORs, however it is parenthesized
func disjuncts(expr tree.Expr) []tree.Expr {
	switch e := expr.(type) {
	case *tree.OrExpr:
		return append(disjuncts(e.Left), disjuncts(e.Right)...)
	case *tree.ParenExpr:
		if _, ok := e.Expr.(*tree.OrExpr); ok {
			return disjuncts(e.Expr)
		}
	}
	return []tree.Expr{expr}
}

// operand normalizes one side of a condition; subqueries are normalized recursively
func (sc *scope) operand(expr tree.Expr) string {
	if sub, ok := expr.(*tree.Subquery); ok {
		paren, ok := sub.Select.(*tree.ParenSelect)
		if !ok || paren.Select == nil {
			return compact(tree.AsString(sub))
		}
		if _, ok := selectClause(paren.Select); !ok {
			return compact(tree.AsString(sub))
		}
		return "SUBSELECT(" + canonical(newScope(sc).selectFeatures(paren.Select)) + ")"
	}
	return compact(tree.AsString(expr))
}

func canonical(f *features) string {
	parts := []struct {
		name string
		set  stringSet
	}{
		{"select", f.selects},
		{"from", f.from},
		{"join", f.joins},
		{"where", f.where},
		{"group", f.groupBy},
		{"order", f.orderBy},
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.name)
		b.WriteByte(':')
		b.WriteString(strings.Join(p.set.sorted(), ","))
	}
	return b.String()
}

// ident lower-cases a rendered name and drops identifier quoting
func ident(s string) string {
	return strings.ToLower(strings.NewReplacer(`"`, "", "`", "").Replace(s))
}

// compact lower-cases and strips all whitespace
func compact(s string) string {
	return strings.Join(strings.Fields(ident(s)), "")
}

// jaccard is |a∩b| / |a∪b|, defined as 1 when both sets are empty
func jaccard(a, b stringSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for v := range a {
		if _, ok := b[v]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
