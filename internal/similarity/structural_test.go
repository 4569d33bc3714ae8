package similarity

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/models"
)

func newStructural() *StructuralComparator {
	return NewStructuralComparator(zap.NewNop())
}

func TestStructural_SelfComparisonIsOne(t *testing.T) {
	statements := []string{
		"SELECT 1",
		"SELECT name FROM users",
		"SELECT u.name, COUNT(*) AS n FROM users u JOIN orders o ON o.user_id = u.id WHERE u.active = 1 GROUP BY u.name ORDER BY n DESC",
		"SELECT * FROM t WHERE a = 1 OR b = 2",
		"SELECT id FROM t WHERE id IN (SELECT user_id FROM orders WHERE total > 10);",
		"select x from t where exists (select 1 from s where s.id = t.id)",
	}
	s := newStructural()
	for _, sql := range statements {
		assert.Equal(t, 1.0, s.Score(sql, sql), sql)
	}
}

func TestStructural_ParseFailureIsNaN(t *testing.T) {
	s := newStructural()
	valid := "SELECT a FROM t"

	for _, bad := range []string{"", "   ", "not sql at all", "UPDATE t SET a = 1", "SELECT FROM WHERE"} {
		assert.True(t, math.IsNaN(s.Score(valid, bad)), "candidate %q", bad)
		assert.True(t, math.IsNaN(s.Score(bad, valid)), "reference %q", bad)
	}
}

func TestStructural_EqualityIsCommutative(t *testing.T) {
	a, err := extract("SELECT x FROM t WHERE a = b")
	require.NoError(t, err)
	b, err := extract("SELECT x FROM t WHERE b = a")
	require.NoError(t, err)

	assert.Equal(t, a.where, b.where)
	assert.Equal(t, 1.0, newStructural().Score("SELECT x FROM t WHERE a = b", "SELECT x FROM t WHERE b = a"))
}

func TestStructural_AliasRenamingIsIgnored(t *testing.T) {
	b, err := newStructural().Breakdown("SELECT a.x FROM t a", "SELECT b.x FROM t b")
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Select)
	assert.Equal(t, 1.0, b.Total)
}

func TestStructural_SelectAliasStripped(t *testing.T) {
	b, err := newStructural().Breakdown("SELECT count(*) AS total FROM t", "SELECT COUNT(*) cnt FROM t")
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Select)
}

func TestStructural_AndFlattensIntoFacts(t *testing.T) {
	f, err := extract("SELECT x FROM t WHERE a = 1 AND (b > 2 AND c < 3)")
	require.NoError(t, err)
	assert.Len(t, f.where, 3)

	g, err := extract("SELECT x FROM t WHERE c < 3 AND a = 1 AND b > 2")
	require.NoError(t, err)
	assert.Equal(t, f.where, g.where)
}

func TestStructural_OrIsOneAtomicFact(t *testing.T) {
	f, err := extract("SELECT x FROM t WHERE a = 1 OR b = 2 OR c = 3")
	require.NoError(t, err)
	require.Len(t, f.where, 1)

	g, err := extract("SELECT x FROM t WHERE c = 3 OR (b = 2 OR a = 1)")
	require.NoError(t, err)
	assert.Equal(t, f.where, g.where)

	for fact := range f.where {
		assert.Contains(t, fact, "OR(")
	}
}

func TestStructural_SubqueryWrapped(t *testing.T) {
	f, err := extract("SELECT id FROM t WHERE id IN (SELECT user_id FROM orders)")
	require.NoError(t, err)
	require.Len(t, f.where, 1)
	for fact := range f.where {
		assert.Contains(t, fact, "SUBSELECT(")
	}
}

func TestStructural_JoinTargetsAndTables(t *testing.T) {
	f, err := extract("SELECT * FROM a JOIN b ON a.id = b.a_id LEFT JOIN c ON c.id = b.c_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, f.from.sorted())
	assert.Equal(t, []string{"b", "c"}, f.joins.sorted())
}

func TestStructural_PartialOverlap(t *testing.T) {
	b, err := newStructural().Breakdown(
		"SELECT name, email FROM users WHERE active = 1",
		"SELECT name FROM users WHERE active = 1",
	)
	require.NoError(t, err)

	assert.Equal(t, 1.0, b.From)
	assert.Equal(t, 0.5, b.Select)
	assert.Equal(t, 1.0, b.Join)
	assert.Equal(t, 1.0, b.Where)
	assert.Equal(t, 1.0, b.GroupBy)
	assert.Equal(t, 1.0, b.OrderBy)
	// 0.15 + 0.125 + 0.15 + 0.25 + 0.10 + 0.10
	assert.Equal(t, 0.875, b.Total)
}

func TestStructural_ScoreInRange(t *testing.T) {
	score := newStructural().Score(
		"SELECT a FROM x WHERE p = 1 GROUP BY a ORDER BY a",
		"SELECT b, c FROM y JOIN z ON y.id = z.id WHERE q > 2",
	)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Equal(t, score, round3(score))
}

func TestStructural_CompareUsesSampleAndCandidate(t *testing.T) {
	sample := models.NewSampleQuery("users", "SELECT name FROM users", "{{PROMPT}}")
	cand := models.NewGeneratedCandidate("SELECT name FROM users", nil, nil, 0, 0)

	s := newStructural()
	assert.Equal(t, 1.0, s.Compare(context.Background(), sample, cand))
	assert.True(t, math.IsNaN(s.Compare(context.Background(), nil, cand)))
	assert.Equal(t, models.ComparatorStructural, s.Kind())
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard(stringSet{}, stringSet{}), "empty vs empty")
	assert.Equal(t, 0.0, jaccard(stringSet{"a": {}}, stringSet{}))
	assert.Equal(t, 1.0/3.0, jaccard(stringSet{"a": {}, "b": {}}, stringSet{"b": {}, "c": {}}))
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 0.124, round3(0.12449))
	assert.Equal(t, 1.0, round3(0.15+0.25+0.15+0.25+0.10+0.10))
}

func TestStructural_PostgresDialect(t *testing.T) {
	statements := []string{
		"WITH active AS (SELECT id, name FROM users WHERE active) SELECT name FROM active",
		"SELECT name FROM users WHERE name ILIKE 'a%'",
		"SELECT id::int FROM t",
		`SELECT "x" FROM t`,
	}
	s := newStructural()
	for _, sql := range statements {
		b, err := s.Breakdown(sql, sql)
		require.NoError(t, err, sql)
		assert.Equal(t, 1.0, b.Total, sql)
	}
}

func TestStructural_CommonTableExpressionReadsItsTables(t *testing.T) {
	f, err := extract("WITH recent AS (SELECT user_id FROM orders o JOIN users u ON u.id = o.user_id) SELECT user_id FROM recent")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, f.from.sorted())

	b, err := newStructural().Breakdown(
		"SELECT user_id FROM orders",
		"WITH o AS (SELECT user_id FROM orders) SELECT user_id FROM o",
	)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.From)
	assert.Equal(t, 1.0, b.Select)
}

func TestStructural_QuotedIdentifierMatchesBare(t *testing.T) {
	b, err := newStructural().Breakdown(`SELECT "x" FROM t`, "SELECT x FROM t")
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Select)
	assert.Equal(t, 1.0, b.Total)
}

func TestStructural_OrderDirectionIgnored(t *testing.T) {
	b, err := newStructural().Breakdown("SELECT x FROM t ORDER BY x", "SELECT x FROM t ORDER BY x DESC")
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.OrderBy)

	b, err = newStructural().Breakdown("SELECT x FROM t ORDER BY x", "SELECT x FROM t ORDER BY y")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.OrderBy)
}

func TestStructural_SetOperationsAreNaN(t *testing.T) {
	s := newStructural()
	assert.True(t, math.IsNaN(s.Score("SELECT a FROM t", "SELECT a FROM t UNION SELECT a FROM u")))
	assert.True(t, math.IsNaN(s.Score("SELECT a FROM t", "SELECT 1; SELECT 2")))
}
