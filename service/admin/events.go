package admin

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/service/transport"
)

// EventFrame is one JSON frame of the /events websocket feed.
type EventFrame struct {
	Event       string    `json:"event"`
	MessageId   string    `json:"message_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// eventHub fans bus notifications out to every connected feed client.
// A slow client's buffer overflowing drops frames for that client only.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan EventFrame]struct{}
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: map[chan EventFrame]struct{}{}}
}

func (h *eventHub) subscribe() chan EventFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan EventFrame, 64)
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan EventFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *eventHub) Publish(frame EventFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// AttachTransport forwards completion, failure and send notifications
// into the event feed.
func (s *AdminServer) AttachTransport(tr *transport.SqlTransport) {
	tr.Events.MessageProcessingCompleted.Add(func(info *busapi.CurrentMessageInformation) {
		s.hub.Publish(EventFrame{
			Event:       "completed",
			MessageId:   info.MessageId,
			Source:      info.Source,
			Destination: info.Destination,
			At:          time.Now(),
		})
	})
	tr.Events.MessageProcessingFailure.Add(func(info *busapi.CurrentMessageInformation, cause error) {
		s.hub.Publish(EventFrame{
			Event:       "failure",
			MessageId:   info.MessageId,
			Source:      info.Source,
			Destination: info.Destination,
			Error:       cause.Error(),
			At:          time.Now(),
		})
	})
	tr.Events.MessageSent.Add(func(info *busapi.OutgoingMessageInformation) {
		s.hub.Publish(EventFrame{
			Event:       "sent",
			Source:      info.Source.Uri,
			Destination: info.Destination.Uri,
			At:          time.Now(),
		})
	})
}

func (s *AdminServer) handleEventFeed(ctx *gin.Context) {
	c, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		_adminLogger.Errorln("event feed accept failed:", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "event feed terminated")

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// the feed is write-only: CloseRead keeps control frames processed
	// and cancels the context when the client hangs up
	reqCtx := c.CloseRead(ctx.Request.Context())
	for {
		select {
		case <-reqCtx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case frame, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.Write(reqCtx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
