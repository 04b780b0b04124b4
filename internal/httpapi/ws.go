package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/protocol"
)

const (
	wsQueueSize    = 64
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

// handleCoordinatorWS serves route_request frames over one connection.
// Requests are handled in arrival order and each is answered by a
// route_result carrying the same request_id.
func (s *Server) handleCoordinatorWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.coordinatorCaller(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.RouteRequest, wsQueueSize)
	outbound := make(chan any, wsQueueSize)

	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected", Detail: caller.ID}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range inbound {
			out, err := s.coordinator.Handle(ctx, msg.Request, caller)
			if err != nil {
				s.logger.Debug("ws route failed", zap.String("request_id", msg.RequestID), zap.Error(err))
			}
			result := protocol.RouteResult{
				Type:      protocol.TypeRouteResult,
				RequestID: msg.RequestID,
				Envelope:  out.Envelope(err, s.now()),
			}
			select {
			case outbound <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFrames(ctx, cancel, conn, outbound)
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if rejected, ok := parsed.(protocol.RouteRequest); ok && err != nil {
			result := protocol.RouteResult{
				Type:      protocol.TypeRouteResult,
				RequestID: rejected.RequestID,
				Envelope:  protocol.FailedEnvelope(err, s.now()),
			}
			select {
			case outbound <- result:
			default:
				s.countWS("dropped", result)
			}
			continue
		}
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "coordinator",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay on the writer goroutine; drop when the queue is full.
				s.countWS("dropped", errEvent)
			}
			continue
		}
		s.countWS("inbound", parsed)

		msg, ok := parsed.(protocol.RouteRequest)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- msg:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
}

type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

// writeFrames owns all writes on conn. A failed write closes conn so the
// blocked reader returns immediately.
func (s *Server) writeFrames(ctx context.Context, cancel context.CancelFunc, conn frameWriter, outbound <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("ws write failed", zap.Error(err))
				cancel()
				_ = conn.Close()
				return
			}
			s.countWS("outbound", msg)
		}
	}
}

func (s *Server) countWS(direction string, msg any) {
	if s.metrics == nil {
		return
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.RouteRequest:
		return m.Type, true
	case protocol.RouteResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
