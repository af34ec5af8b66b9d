package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams lifecycle signals to a websocket client and accepts
// outbox:flush requests from it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Signals == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "event stream is not available", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	signals, unsubscribe := s.deps.Signals.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			var msg outbox.Signal
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type != outbox.SignalFlush {
				s.logger.Debug("ignoring inbound signal", zap.String("type", string(msg.Type)))
				continue
			}
			if s.deps.Flusher != nil {
				s.deps.Flusher.RequestFlush()
			}
		}
	}()

	s.logger.Debug("event subscriber connected", zap.String("correlation_id", correlationID))
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case sig, ok := <-signals:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, sig)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
