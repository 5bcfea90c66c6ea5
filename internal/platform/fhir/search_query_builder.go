package fhir

import (
	"fmt"
	"strings"
)

// Placeholder selects the bind-parameter syntax of the target database.
type Placeholder int

const (
	DollarPlaceholder   Placeholder = iota // $1, $2 (PostgreSQL)
	QuestionPlaceholder                    // ?, ? (SQLite)
)

// SearchQuery builds SQL WHERE clauses from search criteria. Clauses are
// joined with AND, or with OR for a disjunctive query.
type SearchQuery struct {
	table       string
	cols        string
	clauses     []string
	args        []interface{}
	idx         int
	orderBy     string
	disjunctive bool
	placeholder Placeholder
}

// NewSearchQuery creates a conjunctive SearchQuery for the given table and columns.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// NewDisjunctiveQuery creates a SearchQuery whose clauses are OR-ed. A
// disjunctive query with no clauses matches nothing.
func NewDisjunctiveQuery(table, cols string) *SearchQuery {
	q := NewSearchQuery(table, cols)
	q.disjunctive = true
	return q
}

// WithPlaceholder switches the bind-parameter syntax.
func (q *SearchQuery) WithPlaceholder(p Placeholder) *SearchQuery {
	q.placeholder = p
	return q
}

// Param returns the placeholder for the next argument.
func (q *SearchQuery) Param() string {
	return q.paramAt(q.idx)
}

// Params returns a comma-separated list of n placeholders starting at the
// next argument.
func (q *SearchQuery) Params(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = q.paramAt(q.idx + i)
	}
	return strings.Join(parts, ", ")
}

func (q *SearchQuery) paramAt(i int) string {
	if q.placeholder == QuestionPlaceholder {
		return "?"
	}
	return fmt.Sprintf("$%d", i)
}

// Add appends a raw WHERE clause fragment. Placeholders inside the clause
// must come from Param or Params.
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.clauses = append(q.clauses, clause)
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddEquals adds "column = value". Empty values add nothing.
func (q *SearchQuery) AddEquals(column, value string) {
	if value == "" {
		return
	}
	q.Add(fmt.Sprintf("%s = %s", column, q.Param()), value)
}

// AddIn adds a clause built from format, whose single %s verb receives the
// placeholder list for values. An empty values slice adds nothing.
func (q *SearchQuery) AddIn(format string, values []string) {
	if len(values) == 0 {
		return
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	q.Add(fmt.Sprintf(format, q.Params(len(values))), args...)
}

// Empty reports whether no clause has been added.
func (q *SearchQuery) Empty() bool { return len(q.clauses) == 0 }

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *SearchQuery) where() string {
	if q.disjunctive {
		if len(q.clauses) == 0 {
			return "1=0"
		}
		return "(" + strings.Join(q.clauses, " OR ") + ")"
	}
	w := "1=1"
	for _, c := range q.clauses {
		w += " AND " + c
	}
	return w
}

// SelectSQL returns the data query without paging.
func (q *SearchQuery) SelectSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", q.cols, q.table, q.where())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

// Args returns the arguments for SelectSQL and CountSQL.
func (q *SearchQuery) Args() []interface{} {
	return q.args
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", q.table, q.where())
}

// DataSQL returns the data query with LIMIT and OFFSET placeholders. Its
// arguments come from DataArgs.
func (q *SearchQuery) DataSQL() string {
	return fmt.Sprintf("%s LIMIT %s OFFSET %s", q.SelectSQL(), q.paramAt(q.idx), q.paramAt(q.idx+1))
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}
