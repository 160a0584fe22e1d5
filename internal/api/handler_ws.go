package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mwd-monitor-backend/internal/fanout"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// replay is what a new viewer sees first: the remotely collected state if
// there is one, otherwise the local decoder state.
func (h *Handler) replay() []fanout.Message {
	if last, ok := h.collector.Last(); ok {
		msgs := []fanout.Message{{Event: fanout.EventStateUpdate, Data: last}}
		if wits, ok := h.collector.Projection(last); ok {
			msgs = append(msgs, fanout.Message{Event: fanout.EventWitsValues, Data: wits})
		}
		return msgs
	}
	return []fanout.Message{
		{Event: fanout.EventWitsValues, Data: h.decoder.WitsValues()},
		{Event: fanout.EventDecoderState, Data: h.decoder.Snapshot()},
	}
}

// ServeWS upgrades the request and streams fan-out events as
// {"event", "data"} JSON envelopes until either side goes away.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(h.replay())
	defer sub.Unsubscribe()

	// Viewers only listen; the read loop exists to notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
