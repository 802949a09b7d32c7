package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/reconciler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API carries no browser credentials; same-origin enforcement adds
	// nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type eventMessage struct {
	Type     string    `json:"type"`
	TradeID  uint64    `json:"trade_id"`
	EscrowID uint64    `json:"escrow_id"`
	Network  string    `json:"network"`
	State    string    `json:"state,omitempty"`
	FiatPaid bool      `json:"fiat_paid,omitempty"`
	Deadline string    `json:"deadline,omitempty"`
	At       time.Time `json:"at"`
}

// Events streams a trade's reconciliation events over a websocket. The
// subscription is dropped when the client goes away or the server stops.
func (s *EscrowService) Events(tradeID uint64) (<-chan reconciler.Event, func()) {
	return s.tracker.Subscribe(tradeID)
}

// events upgrades the connection and bridges the reconciler's event stream
// onto it. It is a plain http.HandlerFunc: once upgraded, errors can only be
// logged, not returned.
func (h *HTTP) events(w http.ResponseWriter, r *http.Request) {
	tradeID, err := strconv.ParseUint(chi.URLParam(r, "tradeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid trade id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := h.service.Events(tradeID)
	defer cancel()

	h.logger.Debug("event subscriber connected", zap.Uint64("trade_id", tradeID))

	// Drain reads so client close frames are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := eventMessage{
				Type:     string(ev.Type),
				TradeID:  ev.TradeID,
				EscrowID: ev.EscrowID,
				Network:  ev.Network,
				State:    string(ev.State),
				FiatPaid: ev.FiatPaid,
				Deadline: ev.Deadline,
				At:       ev.At,
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("event write failed", zap.Uint64("trade_id", tradeID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
