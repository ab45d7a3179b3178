package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/rates"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/validator"
)

const streamWriteWait = 10 * time.Second

// RateStreamHandler pushes the effective rate of one pair over a websocket.
type RateStreamHandler struct {
	responder
	rates    *rates.Service
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewRateStreamHandler creates a RateStreamHandler. An empty allowedOrigins
// accepts any origin.
func NewRateStreamHandler(service *rates.Service, interval time.Duration, allowedOrigins []string, val *validator.Validator, log logger.Logger) *RateStreamHandler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RateStreamHandler{
		responder: responder{validator: val, logger: log},
		rates:     service,
		interval:  interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

type rateMessage struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Rate      *rates.EffectiveRate `json:"rate,omitempty"`
	Code      string               `json:"code,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Stream serves /rates/stream?from=&to=. The pair is validated before the
// upgrade so bad requests get a normal JSON error.
func (h *RateStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := domain.NormalizeCurrency(q.Get("from"))
	to := domain.NormalizeCurrency(q.Get("to"))
	if !validator.IsCurrencyCode(string(from)) || !validator.IsCurrencyCode(string(to)) {
		h.respondError(w, http.StatusBadRequest, "from and to query parameters are required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so close messages are noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("Rate stream connected", map[string]interface{}{"from": from, "to": to})

	if err := h.send(ctx, conn, from, to); err != nil {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.send(ctx, conn, from, to); err != nil {
				h.logger.Warn("Rate stream closed", map[string]interface{}{"error": err.Error()})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *RateStreamHandler) send(ctx context.Context, conn *websocket.Conn, from, to domain.Currency) error {
	msg := rateMessage{Type: "rate_update", Timestamp: time.Now().UTC()}
	rate, err := h.rates.Resolve(ctx, from, to)
	if err != nil {
		msg.Type = "rate_unavailable"
		msg.Code = errors.Code(err)
		msg.Error = err.Error()
	} else {
		msg.Rate = rate
	}

	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}
