package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/metrics"
	"github.com/23skdu/fingemma/internal/prompt"
	"github.com/23skdu/fingemma/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 512 * 1024
)

// WSMessage is the envelope of every websocket frame in both directions.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatRequest is the payload of a client "chat" message. Omitted settings
// take the chat defaults.
type ChatRequest struct {
	Message           string   `json:"message"`
	System            *string  `json:"system,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
}

func (req ChatRequest) params(defaults config.Params) config.Params {
	p := defaults
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.RepetitionPenalty != nil {
		p.RepetitionPenalty = *req.RepetitionPenalty
	}
	if req.MaxNewTokens != nil {
		p.MaxNewTokens = *req.MaxNewTokens
	}
	return p
}

type SessionPayload struct {
	ID      string        `json:"id"`
	History []prompt.Turn `json:"history"`
}

type UpdatePayload struct {
	History      []prompt.Turn `json:"history"`
	Tokens       int           `json:"tokens"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	Final        bool          `json:"final"`
	Truncated    bool          `json:"truncated,omitempty"`
}

type HistoryPayload struct {
	History []prompt.Turn `json:"history"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connection is one browser tab bound to a chat session.
type Connection struct {
	conn    *websocket.Conn
	session *session.Session
	chat    config.ChatConfig
	send    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// chats scopes in-flight replies; reset cancels it and starts a new one.
	mu          sync.Mutex
	chats       context.Context
	cancelChats context.CancelFunc
}

// WebSocketHandler upgrades GET /ws. The optional session query parameter
// resumes an existing conversation.
func WebSocketHandler(store *session.Store, chat config.ChatConfig, checkOrigin func(*http.Request) bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Log.Warn("WebSocket upgrade failed", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		c := &Connection{
			conn:    conn,
			session: store.Resume(r.URL.Query().Get("session")),
			chat:    chat,
			send:    make(chan []byte, 256),
			ctx:     ctx,
			cancel:  cancel,
		}
		c.chats, c.cancelChats = context.WithCancel(ctx)
		metrics.WebSocketConnections.Inc()
		logger.Log.Debug("WebSocket connected", "session", c.session.ID, "remote", r.RemoteAddr)

		c.emit("session", SessionPayload{ID: c.session.ID, History: nonNil(c.session.History())})
		go c.writePump()
		go c.readPump()
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.conn.Close()
		metrics.WebSocketConnections.Dec()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("WebSocket read failed", "session", c.session.ID, "error", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("INVALID_REQUEST", "Invalid JSON format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "chat":
		var req ChatRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("INVALID_REQUEST", "Invalid chat request")
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleChat(req)
		}()
	case "reset":
		c.session.Reset()
		c.stopChats()
		c.emit("history", HistoryPayload{History: []prompt.Turn{}})
	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type: "+msg.Type)
	}
}

func (c *Connection) handleChat(req ChatRequest) {
	p := req.params(c.chat.Defaults)
	if err := p.Validate(); err != nil {
		c.sendError("INVALID_REQUEST", err.Error())
		return
	}
	system := c.chat.SystemPrompt
	if req.System != nil {
		system = *req.System
	}

	ctx := c.chatScope()
	_, err := c.session.SubmitStream(ctx, req.Message, system, p, func(u generate.Update, history []prompt.Turn) {
		c.emit("update", UpdatePayload{
			History:      history,
			Tokens:       u.Tokens,
			TokensPerSec: u.TokensPerSec,
			Final:        u.Final,
			Truncated:    u.Truncated,
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, session.ErrEmptyMessage):
		// blank input leaves the conversation as it was
		c.emit("history", HistoryPayload{History: nonNil(c.session.History())})
	case errors.Is(err, session.ErrBusy):
		c.sendError("BUSY", "A reply is still being generated")
	case c.ctx.Err() != nil:
	case errors.Is(err, session.ErrReset), ctx.Err() != nil:
		// an update may have gone out after the reset; resync the client
		c.emit("history", HistoryPayload{History: nonNil(c.session.History())})
	default:
		logger.Log.Error("Chat generation failed", "session", c.session.ID, "error", err)
		c.sendError("GENERATION_FAILED", "Generation failed, please try again")
		c.emit("history", HistoryPayload{History: nonNil(c.session.History())})
	}
}

func (c *Connection) chatScope() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chats
}

// stopChats cancels every reply in flight on this connection.
func (c *Connection) stopChats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelChats()
	c.chats, c.cancelChats = context.WithCancel(c.ctx)
}

// emit queues a message unless the connection is closing.
func (c *Connection) emit(typ string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Error("WebSocket encode failed", "type", typ, "error", err)
		return
	}
	data, _ := json.Marshal(WSMessage{Type: typ, Payload: raw})
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *Connection) sendError(code, message string) {
	c.emit("error", ErrorPayload{Code: code, Message: message})
}

func nonNil(h []prompt.Turn) []prompt.Turn {
	if h == nil {
		return []prompt.Turn{}
	}
	return h
}
