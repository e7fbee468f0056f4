package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type   string   `json:"type"` // run or submit
	Inputs []string `json:"inputs,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Index   *int   `json:"index,omitempty"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// wsConn serializes writes; the observer and the read loop share it.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	s    *Server
}

func (c *wsConn) send(msg wsOutgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.s.logger.Error("websocket marshal error", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.s.logger.Debug("websocket write error", "err", err)
	}
}

// StartCase and FinishCase stream harness progress to the client.
func (c *wsConn) StartCase(index int, tc harness.TestCase) {
	c.send(wsOutgoing{Type: "case_started", Index: &index, Data: tc})
}

func (c *wsConn) FinishCase(res harness.CaseResult) {
	c.send(wsOutgoing{Type: "case_finished", Index: &res.Index, Data: res})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn, s: s}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}

		switch msg.Type {
		case "run":
			go s.wsRun(c, sess, msg.Inputs)
		case "submit":
			go s.wsSubmit(c, sess)
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message type " + msg.Type})
		}
	}
}

// Runs happen off the read loop so a second request while one is in flight
// gets an immediate busy error instead of queueing.
func (s *Server) wsRun(c *wsConn, sess *session.Session, inputs []string) {
	res, err := sess.Run(context.Background(), inputs)
	if err != nil {
		c.send(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}
	c.send(wsOutgoing{Type: "run_result", Data: res})
}

func (s *Server) wsSubmit(c *wsConn, sess *session.Session) {
	out, err := sess.Submit(context.Background(), c)
	if err != nil {
		c.send(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}
	c.send(wsOutgoing{Type: "verdict", Data: out})
}
