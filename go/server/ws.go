package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/queue"
	"github.com/animanet/anima/go/store"
)

// Maximum time we'll wait for a write we initiate to complete.
// We don't use websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const wsWriteTimeout = 10 * time.Second

// Frames buffered per connection before a slow consumer starts losing
// events.
const wsSendBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The event stream serves the owner's local UI.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is one server-to-client event.
type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsOp is one client-to-server command.
type wsOp struct {
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	EditedContent string `json:"edited_content,omitempty"`
	Mood          string `json:"mood,omitempty"`
}

type wsConn struct {
	conn   *websocket.Conn
	frames chan wsFrame
	done   chan struct{}
}

// push queues a frame without blocking; a stalled consumer loses frames
// rather than stalling the emitting goroutine.
func (c *wsConn) push(frame wsFrame) {
	select {
	case c.frames <- frame:
	default:
		log.WithField("event", frame.Event).Warn("event stream consumer is slow; dropping frame")
	}
}

// writePump is the sole writer of the connection.
func (c *wsConn) writePump() {
	for {
		select {
		case frame := <-c.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) register(c *wsConn) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	s.wsConns[c] = struct{}{}
}

func (s *Server) unregister(c *wsConn) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	delete(s.wsConns, c)
}

// broadcast fans one queue event out to every connected stream.
func (s *Server) broadcast(event string, data any) {
	var frame = wsFrame{Event: event, Data: data}
	s.wsMu.Lock()
	var conns = make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.push(frame)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade event stream request")
		return
	}
	var c = &wsConn{
		conn:   conn,
		frames: make(chan wsFrame, wsSendBuffer),
		done:   make(chan struct{}),
	}
	s.register(c)
	defer func() {
		s.unregister(c)
		close(c.done)
		if err := conn.Close(); err != nil {
			log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).Debug("failed to close event stream")
		}
	}()

	go c.writePump()

	for {
		var op wsOp
		if err := conn.ReadJSON(&op); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).Debug("event stream read failed")
			}
			return
		}
		s.handleOp(r.Context(), c, op)
	}
}

// handleOp processes one client command. Replies addressed to this one
// connection are pushed directly; state changes reach every connection
// through the queue's event bus.
func (s *Server) handleOp(ctx context.Context, c *wsConn, op wsOp) {
	switch op.Type {
	case "chat":
		// Chatting blocks on the provider; run it off the read loop so
		// queued events keep flowing meanwhile.
		go func() {
			var reply, err = s.node.SelfChat(ctx, op.Content)
			if err != nil {
				log.WithField("err", err).Warn("self chat failed")
				c.push(wsFrame{Event: "error", Data: map[string]any{"error": err.Error()}})
				return
			}
			c.push(wsFrame{Event: "chat_response", Data: map[string]any{"content": reply}})
		}()

	case "approve":
		var m, err = s.node.Queue.Approve(op.ThreadID, op.EditedContent)
		if err != nil {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": err.Error()}})
		} else if m == nil {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": "thread is not awaiting review"}})
		} else {
			s.node.Queue.Emit(queue.EventApproved, map[string]any{"thread_id": op.ThreadID})
		}

	case "reject":
		if err := s.node.Queue.Reject(op.ThreadID); err != nil {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": err.Error()}})
		}

	case "get_state":
		var state, err = s.node.State()
		if err != nil {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": err.Error()}})
			return
		}
		c.push(wsFrame{Event: "state", Data: state})

	case "get_pending":
		var pending = s.node.Queue.PeekPending()
		if pending == nil {
			pending = []*message.Envelope{}
		}
		c.push(wsFrame{Event: "pending", Data: pending})

	case "set_mood":
		if !store.ValidMood(op.Mood) {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": fmt.Sprintf("invalid mood %q", op.Mood)}})
			return
		}
		if err := s.node.Store.SetMood(op.Mood); err != nil {
			c.push(wsFrame{Event: "error", Data: map[string]any{"error": err.Error()}})
			return
		}
		s.node.Queue.Emit(queue.EventMoodChanged, map[string]any{"mood": op.Mood})

	default:
		c.push(wsFrame{Event: "error", Data: map[string]any{"error": fmt.Sprintf("unknown op %q", op.Type)}})
	}
}
