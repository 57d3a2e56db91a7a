package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// phoenixServer is a minimal realtime endpoint: it acknowledges joins and
// heartbeats and lets the test push changes to joined topics.
type phoenixServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	topics map[string]ChangeFilter
	leaves []string
	tokens []string
	joins  chan string
	reject bool
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	return &phoenixServer{t: t, topics: make(map[string]ChangeFilter), joins: make(chan string, 16)}
}

func (s *phoenixServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("apikey") != "anon-key" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case phxJoin:
			var p struct {
				Config struct {
					PostgresChanges []ChangeFilter `json:"postgres_changes"`
				} `json:"config"`
				AccessToken string `json:"access_token"`
			}
			_ = json.Unmarshal(f.Payload, &p)
			s.mu.Lock()
			s.tokens = append(s.tokens, p.AccessToken)
			reject := s.reject
			if !reject && len(p.Config.PostgresChanges) == 1 {
				s.topics[f.Topic] = p.Config.PostgresChanges[0]
			}
			s.mu.Unlock()
			status := "ok"
			if reject {
				status = "error"
			}
			s.write(conn, frame{Topic: f.Topic, Event: phxReply, Ref: f.Ref,
				Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`)})
			if !reject {
				s.joins <- f.Topic
			}
		case phxLeave:
			s.mu.Lock()
			delete(s.topics, f.Topic)
			s.leaves = append(s.leaves, f.Topic)
			s.mu.Unlock()
		case phxHeartbeat:
			s.write(conn, frame{Topic: phxTopic, Event: phxReply, Ref: f.Ref,
				Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
		}
	}
}

func (s *phoenixServer) write(conn *websocket.Conn, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(f)
}

// push sends a change to every topic subscribed to table.
func (s *phoenixServer) push(table, typ string, record any) {
	rec, _ := json.Marshal(record)
	payload, _ := json.Marshal(map[string]any{
		"ids": []int{1},
		"data": map[string]any{
			"schema":           "public",
			"table":            table,
			"type":             typ,
			"commit_timestamp": time.Now().UTC().Format(time.RFC3339),
			"record":           json.RawMessage(rec),
		},
	})
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	var topics []string
	for topic, f := range s.topics {
		if f.Table == table {
			topics = append(topics, topic)
		}
	}
	s.mu.Unlock()
	for _, conn := range conns {
		for _, topic := range topics {
			s.write(conn, frame{Topic: topic, Event: pgChanges, Payload: payload})
		}
	}
}

func (s *phoenixServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
	s.topics = make(map[string]ChangeFilter)
}

func TestRealtimeSubscribeDeliversInOrder(t *testing.T) {
	srv := newPhoenixServer(t)
	c := newTestClient(t, srv)

	got := make(chan Change, 10)
	sub, err := c.Subscribe(context.Background(), ChangeFilter{Event: ChangeInsert, Table: "messages", Filter: "chat_id=eq.c1"},
		func(ch Change) { got <- ch })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	topic := <-srv.joins
	srv.mu.Lock()
	f := srv.topics[topic]
	srv.mu.Unlock()
	if f.Schema != "public" || f.Filter != "chat_id=eq.c1" || f.Event != ChangeInsert {
		t.Errorf("joined filter = %+v", f)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		srv.push("messages", ChangeInsert, map[string]string{"id": id, "chat_id": "c1"})
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case ch := <-got:
			var rec struct{ ID string }
			if err := ch.Decode(&rec); err != nil {
				t.Fatal(err)
			}
			if rec.ID != want || ch.Type != ChangeInsert || ch.Table != "messages" {
				t.Errorf("change = %+v (%s), want %s", ch, rec.ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRealtimeUnsubscribeSendsLeave(t *testing.T) {
	srv := newPhoenixServer(t)
	c := newTestClient(t, srv)

	sub, err := c.Subscribe(context.Background(), ChangeFilter{Table: "chats"}, func(Change) {})
	if err != nil {
		t.Fatal(err)
	}
	topic := <-srv.joins
	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	_ = sub.Unsubscribe()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.leaves)
		srv.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.leaves) != 1 || srv.leaves[0] != topic {
		t.Errorf("leaves = %v, want [%s]", srv.leaves, topic)
	}
}

func TestRealtimeJoinUsesCurrentSessionToken(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		events []AuthChange
		want   string
	}{
		{"no session", nil, "anon-key"},
		{"signed in", []AuthChange{
			{EventSignedIn, &Session{AccessToken: "a1"}},
		}, "a1"},
		{"refreshed", []AuthChange{
			{EventSignedIn, &Session{AccessToken: "a1"}},
			{EventTokenRefreshed, &Session{AccessToken: "a2"}},
		}, "a2"},
		{"refreshed then signed out", []AuthChange{
			{EventSignedIn, &Session{AccessToken: "a1"}},
			{EventTokenRefreshed, &Session{AccessToken: "a2"}},
			{EventSignedOut, nil},
		}, "anon-key"},
		{"new user after refresh and sign out", []AuthChange{
			{EventSignedIn, &Session{AccessToken: "a1"}},
			{EventTokenRefreshed, &Session{AccessToken: "a2"}},
			{EventSignedOut, nil},
			{EventSignedIn, &Session{AccessToken: "b1"}},
		}, "b1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPhoenixServer(t)
			c := newTestClient(t, srv)
			for _, ev := range tt.events {
				c.auth.setSession(ctx, ev.Session, ev.Event)
			}
			sub, err := c.Subscribe(ctx, ChangeFilter{Table: "chats"}, func(Change) {})
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = sub.Unsubscribe() }()
			<-srv.joins

			srv.mu.Lock()
			defer srv.mu.Unlock()
			if len(srv.tokens) != 1 || srv.tokens[0] != tt.want {
				t.Errorf("join tokens = %v, want [%s]", srv.tokens, tt.want)
			}
		})
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	srv := newPhoenixServer(t)
	srv.reject = true
	c := newTestClient(t, srv)

	if _, err := c.Subscribe(context.Background(), ChangeFilter{Table: "chats"}, func(Change) {}); err == nil {
		t.Fatal("Subscribe() expected error on rejected join")
	}
}

func TestRealtimeReconnectRejoins(t *testing.T) {
	oldBackoff := initialBackoff
	initialBackoff = 10 * time.Millisecond
	t.Cleanup(func() { initialBackoff = oldBackoff })

	srv := newPhoenixServer(t)
	c := newTestClient(t, srv)

	got := make(chan Change, 10)
	sub, err := c.Subscribe(context.Background(), ChangeFilter{Table: "chats"}, func(ch Change) { got <- ch })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	<-srv.joins

	srv.dropConnections()

	select {
	case <-srv.joins:
	case <-time.After(3 * time.Second):
		t.Fatal("channel was not rejoined after reconnect")
	}
	srv.push("chats", ChangeUpdate, map[string]string{"id": "c9"})
	select {
	case ch := <-got:
		if ch.Type != ChangeUpdate {
			t.Errorf("type = %s", ch.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change after reconnect")
	}
}

func TestRealtimeHeartbeat(t *testing.T) {
	oldHB := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = oldHB })

	srv := newPhoenixServer(t)
	c := newTestClient(t, srv)
	sub, err := c.Subscribe(context.Background(), ChangeFilter{Table: "chats"}, func(Change) {})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	<-srv.joins

	// Several heartbeat rounds must pass without the client dropping the socket.
	time.Sleep(150 * time.Millisecond)
	c.realtime.mu.Lock()
	connected := c.realtime.conn != nil
	c.realtime.mu.Unlock()
	if !connected {
		t.Error("connection dropped despite acknowledged heartbeats")
	}
}

func TestRealtimeClosedServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := New(Options{URL: srv.URL, APIKey: "anon-key"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.Subscribe(ctx, ChangeFilter{Table: "chats"}, func(Change) {}); err == nil {
		t.Fatal("Subscribe() expected error without a server")
	}
}
