package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/metrics"
)

// Changes is the realtime row-change feed.
type Changes interface {
	Subscribe(ctx context.Context, f ChangeFilter, handler func(Change)) (Subscription, error)
}

// Subscription is a live change feed. Unsubscribe is safe to call twice.
type Subscription interface {
	Unsubscribe() error
}

// Change event types.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
	ChangeAll    = "*"
)

// ChangeFilter selects the row changes a subscription receives. Filter uses
// the row filter syntax, for example "chat_id=eq.42".
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Change is one row change.
type Change struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
}

// Decode unmarshals the new row image into dest.
func (c Change) Decode(dest any) error {
	if len(c.Record) == 0 {
		return errors.New("change has no record")
	}
	return json.Unmarshal(c.Record, dest)
}

// Phoenix channel protocol.
const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxTopic     = "phoenix"
	pgChanges    = "postgres_changes"
	accessToken  = "access_token"
)

// Connection tuning; tests shorten these.
var (
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 32 * time.Second
	writeTimeout      = 10 * time.Second
)

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Realtime multiplexes change subscriptions over one websocket. It connects
// on the first subscription, reconnects with exponential backoff and rejoins
// every channel, and disconnects when the last channel leaves.
type Realtime struct {
	c   *Client
	log *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	pending  map[string]func(replyPayload)
	conn     *websocket.Conn
	runID    uint64
	cancel   context.CancelFunc

	writeMu   sync.Mutex
	ref       atomic.Uint64
	heartbeat atomic.Bool
}

func newRealtime(c *Client) *Realtime {
	return &Realtime{
		c:        c,
		log:      c.log.Named("realtime"),
		channels: make(map[string]*Channel),
		pending:  make(map[string]func(replyPayload)),
	}
}

// Channel is one joined change subscription.
type Channel struct {
	rt      *Realtime
	topic   string
	filter  ChangeFilter
	handler func(Change)

	queue  chan Change
	stop   chan struct{}
	once   sync.Once
	joined chan error
	joinMu sync.Once
	live   atomic.Bool
}

// Subscribe joins a channel for f and calls handler for each change, in
// server order, on a goroutine owned by the channel. It returns once the
// server has confirmed the join.
func (r *Realtime) Subscribe(ctx context.Context, f ChangeFilter, handler func(Change)) (Subscription, error) {
	if f.Schema == "" {
		f.Schema = "public"
	}
	if f.Event == "" {
		f.Event = ChangeAll
	}
	ch := &Channel{
		rt:      r,
		topic:   "realtime:" + uuid.NewString(),
		filter:  f,
		handler: handler,
		queue:   make(chan Change, 256),
		stop:    make(chan struct{}),
		joined:  make(chan error, 1),
	}
	go ch.dispatch()

	r.mu.Lock()
	r.channels[ch.topic] = ch
	r.ensureRunningLocked()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.join(conn, ch)
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case err := <-ch.joined:
		if err != nil {
			_ = ch.Unsubscribe()
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		_ = ch.Unsubscribe()
		return nil, ctx.Err()
	case <-timer.C:
		_ = ch.Unsubscribe()
		return nil, fmt.Errorf("join %s: timed out", f.Table)
	}
}

// SetAuth pushes a new access token to every joined channel. Joins always
// read the live session token, so this only matters for channels that are
// already joined.
func (r *Realtime) SetAuth(token string) {
	r.mu.Lock()
	conn := r.conn
	chans := r.channelList()
	r.mu.Unlock()
	if conn == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"access_token": token})
	for _, ch := range chans {
		if ch.live.Load() {
			_ = r.write(conn, frame{Topic: ch.topic, Event: accessToken, Payload: payload, Ref: r.nextRef()})
		}
	}
}

// Close leaves every channel and drops the connection.
func (r *Realtime) Close() error {
	r.mu.Lock()
	chans := r.channelList()
	r.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Unsubscribe()
	}
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
	return nil
}

// Unsubscribe leaves the channel. The handler is not called after it returns,
// except for a change already being delivered.
func (ch *Channel) Unsubscribe() error {
	ch.once.Do(func() {
		close(ch.stop)
		r := ch.rt
		r.mu.Lock()
		delete(r.channels, ch.topic)
		conn := r.conn
		r.mu.Unlock()

		// Leave before the connection can be dropped below.
		if ch.live.Swap(false) {
			metrics.RealtimeChannels.Dec()
			if conn != nil {
				_ = r.write(conn, frame{Topic: ch.topic, Event: phxLeave, Payload: json.RawMessage(`{}`), Ref: r.nextRef()})
			}
		}

		r.mu.Lock()
		if len(r.channels) == 0 {
			r.stopLocked()
		}
		r.mu.Unlock()
	})
	return nil
}

func (ch *Channel) dispatch() {
	for {
		select {
		case <-ch.stop:
			return
		case c := <-ch.queue:
			select {
			case <-ch.stop:
				return
			default:
			}
			ch.handler(c)
		}
	}
}

func (ch *Channel) deliver(c Change) {
	select {
	case ch.queue <- c:
	case <-ch.stop:
	}
}

func (ch *Channel) markJoined(err error) {
	if err == nil && !ch.live.Swap(true) {
		metrics.RealtimeChannels.Inc()
	}
	ch.joinMu.Do(func() { ch.joined <- err })
}

func (r *Realtime) channelList() []*Channel {
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *Realtime) ensureRunningLocked() {
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.runID++
	go r.run(ctx, r.runID)
}

func (r *Realtime) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.pending = make(map[string]func(replyPayload))
}

// attach records conn for run id and returns the channels it must join.
func (r *Realtime) attach(id uint64, conn *websocket.Conn) ([]*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.runID || r.cancel == nil {
		return nil, false
	}
	r.conn = conn
	return r.channelList(), true
}

func (r *Realtime) detach(id uint64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.runID || r.conn != conn {
		return
	}
	r.conn = nil
	r.pending = make(map[string]func(replyPayload))
	for _, ch := range r.channels {
		if ch.live.Swap(false) {
			metrics.RealtimeChannels.Dec()
		}
	}
}

func (r *Realtime) run(ctx context.Context, id uint64) {
	backoff := initialBackoff
	for {
		conn, err := r.dial(ctx)
		if err == nil {
			backoff = initialBackoff
			chans, ok := r.attach(id, conn)
			if !ok {
				_ = conn.Close()
				return
			}
			r.heartbeat.Store(false)
			for _, ch := range chans {
				r.join(conn, ch)
			}
			err = r.serve(ctx, conn)
			r.detach(id, conn)
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("realtime connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))
		metrics.RealtimeReconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *r.c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = r.c.base.Path + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {r.c.apiKey}, "vsn": {"1.0.0"}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: joinTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}

func (r *Realtime) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				// An unanswered heartbeat means the connection is dead.
				if r.heartbeat.Swap(true) {
					_ = conn.Close()
					return
				}
				ref := r.nextRef()
				r.expectReply(ref, func(replyPayload) { r.heartbeat.Store(false) })
				if err := r.write(conn, frame{Topic: phxTopic, Event: phxHeartbeat, Payload: json.RawMessage(`{}`), Ref: ref}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handle(data)
	}
}

func (r *Realtime) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Debug("discard malformed frame", zap.Error(err))
		return
	}
	switch f.Event {
	case phxReply:
		r.mu.Lock()
		cb := r.pending[f.Ref]
		delete(r.pending, f.Ref)
		r.mu.Unlock()
		if cb != nil {
			var p replyPayload
			_ = json.Unmarshal(f.Payload, &p)
			cb(p)
		}
	case pgChanges:
		var p struct {
			Data Change `json:"data"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			r.log.Debug("discard malformed change", zap.Error(err))
			return
		}
		metrics.RealtimeEvents.WithLabelValues(p.Data.Table, p.Data.Type).Inc()
		r.mu.Lock()
		ch := r.channels[f.Topic]
		r.mu.Unlock()
		if ch != nil {
			ch.deliver(p.Data)
		}
	case phxError, phxClose:
		r.mu.Lock()
		ch := r.channels[f.Topic]
		conn := r.conn
		r.mu.Unlock()
		if ch == nil || conn == nil {
			return
		}
		r.log.Warn("realtime channel closed by server, rejoining",
			zap.String("table", ch.filter.Table),
			zap.String("event", f.Event))
		if ch.live.Swap(false) {
			metrics.RealtimeChannels.Dec()
		}
		r.join(conn, ch)
	}
}

func (r *Realtime) expectReply(ref string, cb func(replyPayload)) {
	r.mu.Lock()
	r.pending[ref] = cb
	r.mu.Unlock()
}

func (r *Realtime) join(conn *websocket.Conn, ch *Channel) {
	token := r.c.auth.accessToken()
	if token == "" {
		token = r.c.apiKey
	}

	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": []ChangeFilter{ch.filter},
		},
		"access_token": token,
	})
	ref := r.nextRef()
	r.expectReply(ref, func(p replyPayload) {
		if p.Status == "ok" {
			ch.markJoined(nil)
			return
		}
		ch.markJoined(fmt.Errorf("join %s: server replied %s: %s", ch.filter.Table, p.Status, string(p.Response)))
	})
	if err := r.write(conn, frame{Topic: ch.topic, Event: phxJoin, Payload: payload, Ref: ref}); err != nil {
		r.log.Warn("send join", zap.String("table", ch.filter.Table), zap.Error(err))
	}
}

func (r *Realtime) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe implements Changes.
func (c *Client) Subscribe(ctx context.Context, f ChangeFilter, handler func(Change)) (Subscription, error) {
	return c.realtime.Subscribe(ctx, f, handler)
}
