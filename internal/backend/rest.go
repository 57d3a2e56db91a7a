package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Rows is table access in PostgREST style.
type Rows interface {
	Select(ctx context.Context, table string, q Query, dest any) error
	Insert(ctx context.Context, table string, row any, dest any) error
	Upsert(ctx context.Context, table string, row any, onConflict string, dest any) error
	Update(ctx context.Context, table string, q Query, patch any, dest any) error
}

// Filter operators.
const (
	OpEq = "eq"
	OpIn = "in"
)

// Filter restricts the rows a query touches.
type Filter struct {
	Column string
	Op     string
	Values []string
}

// Order sorts query results.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a read or the row set of an update. The zero value selects
// every column of every row.
type Query struct {
	Columns string
	Filters []Filter
	Orders  []Order
	Limit   int
	// Single expects exactly one row; no rows yields ErrNotFound.
	Single bool
}

// NewQuery returns an empty query.
func NewQuery() Query { return Query{} }

// Eq adds a column = value filter.
func (q Query) Eq(col, val string) Query {
	q.Filters = append(q.Filters[:len(q.Filters):len(q.Filters)], Filter{Column: col, Op: OpEq, Values: []string{val}})
	return q
}

// In adds a column IN (values) filter.
func (q Query) In(col string, vals ...string) Query {
	q.Filters = append(q.Filters[:len(q.Filters):len(q.Filters)], Filter{Column: col, Op: OpIn, Values: vals})
	return q
}

// OrderBy appends a sort key.
func (q Query) OrderBy(col string, desc bool) Query {
	q.Orders = append(q.Orders[:len(q.Orders):len(q.Orders)], Order{Column: col, Desc: desc})
	return q
}

// Take limits the number of rows.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// One marks the query as a single-row read.
func (q Query) One() Query {
	q.Single = true
	return q
}

// Fields picks the select list.
func (q Query) Fields(cols string) Query {
	q.Columns = cols
	return q
}

// Values renders q as PostgREST query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	cols := q.Columns
	if cols == "" {
		cols = "*"
	}
	v.Set("select", cols)
	for _, f := range q.Filters {
		v.Add(f.Column, f.expr())
	}
	if len(q.Orders) > 0 {
		parts := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (f Filter) expr() string {
	if f.Op == OpIn {
		quoted := make([]string, len(f.Values))
		for i, val := range f.Values {
			quoted[i] = quoteListValue(val)
		}
		return "in.(" + strings.Join(quoted, ",") + ")"
	}
	val := ""
	if len(f.Values) > 0 {
		val = f.Values[0]
	}
	return f.Op + "." + val
}

// quoteListValue double-quotes values holding PostgREST list delimiters.
func quoteListValue(v string) string {
	if !strings.ContainsAny(v, `,.:()" `) {
		return v
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

const (
	mimeJSON   = "application/json"
	mimeObject = "application/vnd.pgrst.object+json"
)

func (c *Client) restPath(table string) string {
	return "/rest/v1/" + url.PathEscape(table)
}

// Select reads rows of table matching q into dest (a slice pointer, or a
// struct pointer for single-row queries).
func (c *Client) Select(ctx context.Context, table string, q Query, dest any) error {
	h := http.Header{}
	h.Set("Accept", mimeJSON)
	if q.Single {
		h.Set("Accept", mimeObject)
	}
	resp, err := c.send(ctx, "select "+table, request{
		service: "rest",
		method:  http.MethodGet,
		path:    c.restPath(table),
		query:   q.Values(),
		header:  h,
	})
	if err != nil {
		return err
	}
	return decode(resp.body, dest)
}

// Insert adds one row and decodes the stored representation into dest.
func (c *Client) Insert(ctx context.Context, table string, row any, dest any) error {
	return c.write(ctx, "insert "+table, http.MethodPost, table, nil, row, "return=representation", dest)
}

// Upsert inserts row or merges it into the row conflicting on onConflict.
func (c *Client) Upsert(ctx context.Context, table string, row any, onConflict string, dest any) error {
	q := url.Values{}
	if onConflict != "" {
		q.Set("on_conflict", onConflict)
	}
	return c.write(ctx, "upsert "+table, http.MethodPost, table, q, row, "resolution=merge-duplicates,return=representation", dest)
}

// Update patches the rows matching q and decodes them into dest (a slice pointer).
func (c *Client) Update(ctx context.Context, table string, q Query, patch any, dest any) error {
	v := q.Values()
	v.Del("select")
	v.Del("order")
	v.Del("limit")
	if len(v) == 0 {
		return &ValidationError{Field: "update " + table, Reason: "requires a filter"}
	}
	prefer := "return=minimal"
	if dest != nil {
		prefer = "return=representation"
	}
	return c.write(ctx, "update "+table, http.MethodPatch, table, v, patch, prefer, dest)
}

func (c *Client) write(ctx context.Context, op, method, table string, q url.Values, row any, prefer string, dest any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return &Error{Op: op, cause: err}
	}
	h := http.Header{}
	h.Set("Prefer", prefer)
	// Single-row writes answer with an object instead of a one-element array.
	if method == http.MethodPost {
		h.Set("Accept", mimeObject)
	}
	resp, err := c.send(ctx, op, request{
		service:     "rest",
		method:      method,
		path:        c.restPath(table),
		query:       q,
		header:      h,
		body:        body,
		contentType: mimeJSON,
	})
	if err != nil {
		return err
	}
	return decode(resp.body, dest)
}
