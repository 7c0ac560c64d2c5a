package puppetdb

import "encoding/json"

// Query is a PuppetDB AST query. The zero Query matches everything and is
// omitted from requests.
type Query struct {
	expr []interface{}
}

// MarshalJSON renders the AST array.
func (q Query) MarshalJSON() ([]byte, error) {
	if q.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(q.expr)
}

// String renders the query as sent in the query= parameter.
func (q Query) String() string {
	if q.IsZero() {
		return ""
	}
	b, err := json.Marshal(q.expr)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsZero reports whether q is the empty query.
func (q Query) IsZero() bool {
	return len(q.expr) == 0
}

func op(name string, args ...interface{}) Query {
	return Query{expr: append([]interface{}{name}, args...)}
}

func nonZero(qs []Query) []interface{} {
	var out []interface{}
	for _, q := range qs {
		if !q.IsZero() {
			out = append(out, q)
		}
	}
	return out
}

// And joins clauses. Empty clauses are dropped and a single clause is
// returned as is.
func And(qs ...Query) Query {
	return boolean("and", qs)
}

// Or joins clauses the same way And does.
func Or(qs ...Query) Query {
	return boolean("or", qs)
}

func boolean(name string, qs []Query) Query {
	args := nonZero(qs)
	switch len(args) {
	case 0:
		return Query{}
	case 1:
		return args[0].(Query)
	}
	return op(name, args...)
}

// Not negates q.
func Not(q Query) Query {
	if q.IsZero() {
		return q
	}
	return op("not", q)
}

// Equals matches field = value.
func Equals(field string, value interface{}) Query {
	return op("=", field, value)
}

// In matches field against a literal list of values.
func In(field string, values ...interface{}) Query {
	return op("in", field, append([]interface{}{"array"}, values...))
}

// InQuery matches field against the result of a subquery, normally built
// with Extract and Subquery.
func InQuery(field string, sub Query) Query {
	return op("in", field, sub)
}

// Null matches field being null (isNull true) or set.
func Null(field string, isNull bool) Query {
	return op("null?", field, isNull)
}

// Extract projects fields out of a subquery.
func Extract(fields []string, sub Query) Query {
	f := make([]interface{}, len(fields))
	for i, name := range fields {
		f[i] = name
	}
	if len(f) == 1 {
		return op("extract", f[0], sub)
	}
	return op("extract", f, sub)
}

// Subquery selects from another entity, e.g. Subquery("reports", q)
// renders ["select_reports", q].
func Subquery(entity string, q Query) Query {
	if q.IsZero() {
		return op("select_" + entity)
	}
	return op("select_"+entity, q)
}
