// Package ws implements the authenticated pub/sub hub (§4.C) as a
// WebSocket adapter: channel-typed authorization, durable-log replay on
// subscribe, and best-effort live fanout to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/channel"
	"github.com/fleetgate/gateway/internal/domain/eventlog"
	"github.com/fleetgate/gateway/internal/port/broadcast"
	"github.com/fleetgate/gateway/internal/port/eventstore"
)

// outboundBuffer bounds how far a slow subscriber may lag live delivery
// before the hub drops it; the client is expected to resubscribe with its
// last-seen cursor, which replays anything missed.
const outboundBuffer = 256

// replayLimit caps how many entries Subscribe will replay in one call;
// entries of a larger backlog beyond the first replayLimit are not replayed
// by that call.
const replayLimit = 1000

// liveSubscription is the Hub's implementation of broadcast.Subscription.
type liveSubscription struct {
	channel channel.Channel
	msgs    chan broadcast.Message
	closeOnce sync.Once
}

func (s *liveSubscription) Messages() <-chan broadcast.Message { return s.msgs }

func (s *liveSubscription) Close() {
	s.closeOnce.Do(func() { close(s.msgs) })
}

// Hub is the WebSocket-backed implementation of broadcast.Hub. It durably
// appends every publish to an eventstore.Store before fanning out to live
// subscribers, so Subscribe can always replay what a slow or reconnecting
// client missed.
type Hub struct {
	store       eventstore.Store
	agentAccess channel.AgentAccessFunc

	mu          sync.RWMutex
	subs        map[string]map[*liveSubscription]struct{} // channel string -> subscribers
	snapshotsMu sync.RWMutex
	snapshots   map[string]broadcast.SnapshotFunc // "category:subtopic" -> snapshot source
}

// NewHub constructs a Hub backed by store. agentAccess may be nil, in which
// case agent channels fall back to "any authenticated principal subscribes"
// per §4.C.
func NewHub(store eventstore.Store, agentAccess channel.AgentAccessFunc) *Hub {
	return &Hub{
		store:       store,
		agentAccess: agentAccess,
		subs:        make(map[string]map[*liveSubscription]struct{}),
		snapshots:   make(map[string]broadcast.SnapshotFunc),
	}
}

// RegisterSnapshot installs fn as the snapshot source for every channel of
// the given category/subtopic (the channel's id, if any, is still passed
// to fn). Per §4.C, a channel without a registered snapshot source falls
// back to ErrResyncRequired on an expired cursor.
func (h *Hub) RegisterSnapshot(category channel.Category, subtopic string, fn broadcast.SnapshotFunc) {
	h.snapshotsMu.Lock()
	defer h.snapshotsMu.Unlock()
	h.snapshots[string(category)+":"+subtopic] = fn
}

func (h *Hub) snapshotFor(ch channel.Channel) (broadcast.SnapshotFunc, bool) {
	h.snapshotsMu.RLock()
	defer h.snapshotsMu.RUnlock()
	fn, ok := h.snapshots[string(ch.Category)+":"+ch.Subtopic]
	return fn, ok
}

// Publish authorizes auth to publish on ch, durably appends payload, and
// fans it out to matching live subscribers. Fanout is best-effort: a
// subscriber too far behind to accept the message without blocking is
// dropped rather than stalling the publisher.
func (h *Hub) Publish(ctx context.Context, ch channel.Channel, messageType string, payload any, auth channel.AuthContext) error {
	if !channel.Authorize(ch, channel.ActionPublish, auth, h.agentAccess) {
		return errForbidden(ch, "publish")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	res, err := h.store.Append(ctx, ch.String(), messageType, data, corrctx.CorrelationID(ctx))
	if err != nil {
		return err
	}

	msg := broadcast.Message{
		Channel:     ch.String(),
		MessageType: messageType,
		Data:        payload,
		Cursor:      res.Cursor,
		Sequence:    res.Sequence,
		Timestamp:   time.Now().UnixMilli(),
	}
	h.fanout(ch.String(), msg)
	return nil
}

func (h *Hub) fanout(chStr string, msg broadcast.Message) {
	h.mu.RLock()
	subs := make([]*liveSubscription, 0, len(h.subs[chStr]))
	for s := range h.subs[chStr] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.msgs <- msg:
		default:
			slog.Warn("ws: subscriber backpressure exceeded, dropping", "channel", chStr)
			h.unregister(chStr, s)
			s.Close()
		}
	}
}

// Subscribe authorizes auth against ch, replays any entries after cursor,
// and registers a live subscription for ongoing delivery.
func (h *Hub) Subscribe(ctx context.Context, ch channel.Channel, cursor string, auth channel.AuthContext) (broadcast.Subscription, error) {
	if !channel.Authorize(ch, channel.ActionSubscribe, auth, h.agentAccess) {
		return nil, errForbidden(ch, "subscribe")
	}

	sub := &liveSubscription{channel: ch, msgs: make(chan broadcast.Message, outboundBuffer)}

	// Register before replay so nothing published during replay is missed,
	// at the cost of possible (harmless) duplicate delivery at the seam.
	chStr := ch.String()
	h.mu.Lock()
	if h.subs[chStr] == nil {
		h.subs[chStr] = make(map[*liveSubscription]struct{})
	}
	h.subs[chStr][sub] = struct{}{}
	h.mu.Unlock()

	if cursor != "" {
		entries, err := h.store.RangeAfter(ctx, chStr, cursor, replayLimit)
		if err != nil {
			if err != eventstore.ErrCursorExpired {
				h.unregister(chStr, sub)
				return nil, err
			}

			snap, ok := h.snapshotFor(ch)
			if !ok {
				h.unregister(chStr, sub)
				return nil, broadcast.ErrResyncRequired
			}
			data, ok, snapErr := snap(ctx, ch)
			if snapErr != nil || !ok {
				h.unregister(chStr, sub)
				return nil, broadcast.ErrResyncRequired
			}

			snapCursor := ""
			if latest, err := h.store.LatestCursor(ctx, chStr); err == nil && latest != nil {
				snapCursor = *latest
			}
			select {
			case sub.msgs <- broadcast.Message{
				Channel:     chStr,
				MessageType: "snapshot",
				Data:        data,
				Cursor:      snapCursor,
				Timestamp:   time.Now().UnixMilli(),
			}:
			default:
				slog.Warn("ws: snapshot dropped, buffer full", "channel", chStr)
			}

			if snapCursor != "" {
				if after, err := h.store.RangeAfter(ctx, chStr, snapCursor, replayLimit); err == nil {
					h.deliverReplay(chStr, sub, after)
				}
			}
			return sub, nil
		}
		h.deliverReplay(chStr, sub, entries)
	}

	return sub, nil
}

// deliverReplay enqueues durably-logged entries onto sub, matching the live
// Message shape. Overflow is dropped with a warning, same as live fanout.
func (h *Hub) deliverReplay(chStr string, sub *liveSubscription, entries []eventlog.Entry) {
	for _, e := range entries {
		var data any
		_ = json.Unmarshal(e.Payload, &data)
		select {
		case sub.msgs <- broadcast.Message{
			Channel:       e.Channel,
			MessageType:   e.MessageType,
			Data:          data,
			Cursor:        e.Cursor,
			Sequence:      e.Sequence,
			Timestamp:     e.CreatedAt.UnixMilli(),
			CorrelationID: e.CorrelationID,
		}:
		default:
			slog.Warn("ws: replay overflowed buffer, client will need to resync", "channel", chStr)
		}
	}
}

func (h *Hub) unregister(chStr string, sub *liveSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[chStr]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, chStr)
		}
	}
}

// ConnectionCount returns the number of live subscriptions across all channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

type forbiddenError struct {
	channel string
	action  string
}

func (e forbiddenError) Error() string {
	return "forbidden: " + e.action + " on " + e.channel
}

func errForbidden(ch channel.Channel, action string) error {
	return forbiddenError{channel: ch.String(), action: action}
}

// clientFrame is an inbound WebSocket control message.
type clientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
}

// serverFrame is an outbound WebSocket message: either a delivered event or
// an error/ack notification.
type serverFrame struct {
	Type    string             `json:"type"`
	Channel string             `json:"channel,omitempty"`
	Event   *broadcast.Message `json:"event,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// AuthResolver derives the authenticated principal for an inbound WebSocket
// upgrade request.
type AuthResolver func(r *http.Request) channel.AuthContext

// Server bridges the generic broadcast.Hub to the wire-level WebSocket
// subscribe/event protocol described in §6.
type Server struct {
	hub         broadcast.Hub
	allowOrigin string
	resolveAuth AuthResolver
}

// NewServer constructs a WebSocket Server over hub.
func NewServer(hub broadcast.Hub, allowOrigin string, resolveAuth AuthResolver) *Server {
	return &Server{hub: hub, allowOrigin: allowOrigin, resolveAuth: resolveAuth}
}

// HandleWS upgrades the connection and services subscribe/ack frames until
// the client disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if s.allowOrigin != "" {
		opts.OriginPatterns = []string{s.allowOrigin}
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("ws: accept failed", "error", err)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	auth := channel.AuthContext{}
	if s.resolveAuth != nil {
		auth = s.resolveAuth(r)
	}

	var mu sync.Mutex
	active := make(map[string]broadcast.Subscription)
	defer func() {
		for _, sub := range active {
			sub.Close()
		}
	}()

	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeError(ctx, wsConn, "malformed frame")
			continue
		}
		switch frame.Type {
		case "subscribe":
			for _, raw := range frame.Channels {
				ch, err := channel.Parse(raw)
				if err != nil {
					s.writeError(ctx, wsConn, err.Error())
					continue
				}
				sub, err := s.hub.Subscribe(ctx, ch, frame.Cursor, auth)
				if err != nil {
					s.writeError(ctx, wsConn, err.Error())
					continue
				}
				mu.Lock()
				active[ch.String()] = sub
				mu.Unlock()
				go s.pump(ctx, wsConn, sub)
			}
		case "ack":
			// Acks need no server-side action: replay position comes from the
			// cursor a client sends with its next subscribe.
		default:
			s.writeError(ctx, wsConn, "unknown frame type")
		}
	}
}

func (s *Server) pump(ctx context.Context, wsConn *websocket.Conn, sub broadcast.Subscription) {
	for msg := range sub.Messages() {
		m := msg
		frame := serverFrame{Type: "event", Channel: msg.Channel, Event: &m}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := wsConn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

func (s *Server) writeError(ctx context.Context, wsConn *websocket.Conn, msg string) {
	data, _ := json.Marshal(serverFrame{Type: "error", Error: msg})
	_ = wsConn.Write(ctx, websocket.MessageText, data)
}
