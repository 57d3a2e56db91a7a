// Package backendtest provides in-memory doubles of the backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/matheus3301/wpweb/internal/backend"
)

// Backend is an in-memory implementation of backend.Rows, backend.Objects
// and backend.Changes. Writes are echoed synchronously to matching
// subscriptions, after the write returns its result to the table.
type Backend struct {
	mu      sync.Mutex
	tables  map[string][]map[string]any
	objects map[string][]byte
	subs    map[int]*sub
	nextSub int
	fail    map[string]error

	// BeforeSelect, when set, runs before every Select without the lock held.
	// Tests use it to delay or observe reads.
	BeforeSelect func(table string, q backend.Query)
	// Now stamps default created_at / updated_at values.
	Now func() time.Time
}

type sub struct {
	filter  backend.ChangeFilter
	handler func(backend.Change)
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		tables:  make(map[string][]map[string]any),
		objects: make(map[string][]byte),
		subs:    make(map[int]*sub),
		fail:    make(map[string]error),
		Now:     time.Now,
	}
}

// Seed stores rows in table without emitting changes.
func (b *Backend) Seed(table string, rows ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.tables[table] = append(b.tables[table], toMap(r))
	}
}

// Rows returns a copy of table's rows decoded into dest (a slice pointer).
func (b *Backend) Rows(table string, dest any) error {
	b.mu.Lock()
	data, err := json.Marshal(b.tables[table])
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Object returns an uploaded object.
func (b *Backend) Object(bucket, path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[bucket+"/"+path]
	return data, ok
}

// Fail makes every following call of op ("select chats", "insert messages",
// "update chats", "upsert users", "upload", "subscribe messages") return err
// until cleared with a nil err.
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

// ServerError is a 5xx backend error for use with Fail.
func ServerError(op string) error {
	return &backend.Error{Op: op, Status: http.StatusInternalServerError, Message: "boom"}
}

// Subscriptions counts live subscriptions on table.
func (b *Backend) Subscriptions(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.filter.Table == table {
			n++
		}
	}
	return n
}

// Emit delivers a change to matching subscriptions as if another client had
// written record. The table itself is updated too.
func (b *Backend) Emit(table, typ string, record any) {
	m := toMap(record)
	b.mu.Lock()
	switch typ {
	case backend.ChangeInsert:
		b.tables[table] = append(b.tables[table], copyMap(m))
	case backend.ChangeUpdate:
		b.replaceLocked(table, copyMap(m))
	}
	b.mu.Unlock()
	b.notify(table, typ, m)
}

func (b *Backend) failure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fail[op]
}

// Select implements backend.Rows.
func (b *Backend) Select(ctx context.Context, table string, q backend.Query, dest any) error {
	if hook := b.BeforeSelect; hook != nil {
		hook(table, q)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.failure("select " + table); err != nil {
		return err
	}

	b.mu.Lock()
	var out []map[string]any
	for _, r := range b.tables[table] {
		if matchAll(r, q.Filters) {
			out = append(out, copyMap(r))
		}
	}
	b.mu.Unlock()

	sortRows(out, q.Orders)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if q.Single {
		if len(out) != 1 {
			return notFound("select " + table)
		}
		return roundTrip(out[0], dest)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return roundTrip(out, dest)
}

// Insert implements backend.Rows.
func (b *Backend) Insert(ctx context.Context, table string, row any, dest any) error {
	if err := b.failure("insert " + table); err != nil {
		return err
	}
	m := b.withDefaults(toMap(row))
	b.mu.Lock()
	for _, r := range b.tables[table] {
		if r["id"] == m["id"] {
			b.mu.Unlock()
			return &backend.Error{Op: "insert " + table, Status: http.StatusConflict, Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	b.tables[table] = append(b.tables[table], m)
	stored := copyMap(m)
	b.mu.Unlock()

	if err := roundTrip(stored, dest); err != nil {
		return err
	}
	b.notify(table, backend.ChangeInsert, stored)
	return nil
}

// Upsert implements backend.Rows. Only "id" conflicts are supported.
func (b *Backend) Upsert(ctx context.Context, table string, row any, onConflict string, dest any) error {
	if err := b.failure("upsert " + table); err != nil {
		return err
	}
	m := toMap(row)
	b.mu.Lock()
	typ := backend.ChangeUpdate
	merged, ok := b.mergeLocked(table, m)
	if !ok {
		typ = backend.ChangeInsert
		stored := b.withDefaults(m)
		b.tables[table] = append(b.tables[table], stored)
		merged = copyMap(stored)
	}
	b.mu.Unlock()

	if err := roundTrip(merged, dest); err != nil {
		return err
	}
	b.notify(table, typ, merged)
	return nil
}

// Update implements backend.Rows.
func (b *Backend) Update(ctx context.Context, table string, q backend.Query, patch any, dest any) error {
	if err := b.failure("update " + table); err != nil {
		return err
	}
	p := toMap(patch)
	b.mu.Lock()
	var changed []map[string]any
	for _, r := range b.tables[table] {
		if matchAll(r, q.Filters) {
			for k, v := range p {
				r[k] = v
			}
			changed = append(changed, copyMap(r))
		}
	}
	b.mu.Unlock()

	if dest != nil {
		if err := roundTrip(changed, dest); err != nil {
			return err
		}
	}
	for _, r := range changed {
		b.notify(table, backend.ChangeUpdate, r)
	}
	return nil
}

// Upload implements backend.Objects.
func (b *Backend) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if err := b.failure("upload"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bucket + "/" + path
	if _, ok := b.objects[key]; ok {
		return &backend.Error{Op: "upload " + path, Status: http.StatusConflict, Message: "The resource already exists"}
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

// PublicURL implements backend.Objects.
func (b *Backend) PublicURL(bucket, path string) string {
	return "https://backend.test/storage/v1/object/public/" + bucket + "/" + path
}

// Subscribe implements backend.Changes.
func (b *Backend) Subscribe(ctx context.Context, f backend.ChangeFilter, handler func(backend.Change)) (backend.Subscription, error) {
	if err := b.failure("subscribe " + f.Table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &sub{filter: f, handler: handler}
	return &subscription{b: b, id: id}, nil
}

type subscription struct {
	b    *Backend
	id   int
	once sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
	})
	return nil
}

func (b *Backend) notify(table, typ string, record map[string]any) {
	data, _ := json.Marshal(record)
	change := backend.Change{
		Type:            typ,
		Schema:          "public",
		Table:           table,
		CommitTimestamp: b.Now().UTC().Format(time.RFC3339Nano),
		Record:          data,
	}
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var handlers []func(backend.Change)
	for _, id := range ids {
		s := b.subs[id]
		if s.filter.Table != table {
			continue
		}
		if s.filter.Event != "" && s.filter.Event != backend.ChangeAll && s.filter.Event != typ {
			continue
		}
		if !matchChangeFilter(record, s.filter.Filter) {
			continue
		}
		handlers = append(handlers, s.handler)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

func (b *Backend) withDefaults(m map[string]any) map[string]any {
	now := b.Now().UTC().Format(time.RFC3339Nano)
	if _, ok := m["id"]; !ok {
		m["id"] = uuid.NewString()
	}
	if _, ok := m["created_at"]; !ok {
		m["created_at"] = now
	}
	return m
}

func (b *Backend) mergeLocked(table string, m map[string]any) (map[string]any, bool) {
	for _, r := range b.tables[table] {
		if r["id"] == m["id"] {
			for k, v := range m {
				r[k] = v
			}
			return copyMap(r), true
		}
	}
	return nil, false
}

func (b *Backend) replaceLocked(table string, m map[string]any) {
	if _, ok := b.mergeLocked(table, m); !ok {
		b.tables[table] = append(b.tables[table], m)
	}
}

func notFound(op string) error {
	return &backend.Error{Op: op, Status: http.StatusNotAcceptable, Code: "PGRST116", Message: "no rows"}
}

func matchAll(r map[string]any, filters []backend.Filter) bool {
	for _, f := range filters {
		v := fmt.Sprint(r[f.Column])
		switch f.Op {
		case backend.OpEq:
			if len(f.Values) == 0 || v != f.Values[0] {
				return false
			}
		case backend.OpIn:
			found := false
			for _, want := range f.Values {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// matchChangeFilter evaluates "col=eq.value" realtime filters.
func matchChangeFilter(r map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	col, expr, ok := strings.Cut(filter, "=")
	if !ok {
		return false
	}
	val, ok := strings.CutPrefix(expr, "eq.")
	if !ok {
		return false
	}
	return fmt.Sprint(r[col]) == val
}

func sortRows(rows []map[string]any, orders []backend.Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orders {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		ta, errA := time.Parse(time.RFC3339Nano, av)
		tb, errB := time.Parse(time.RFC3339Nano, bv)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
		return strings.Compare(av, bv)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return copyMap(m)
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("backendtest: marshal %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("backendtest: %T is not an object: %v", v, err))
	}
	return m
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func roundTrip(v any, dest any) error {
	if dest == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Stamp formats t the way the backend stores timestamps.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
