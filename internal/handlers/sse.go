package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/notify"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHeartbeat = 15 * time.Second

// MessageSource yields published alert messages
type MessageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

// Hub fans alerts received from Redis out to connected SSE clients
type Hub struct {
	mu        sync.Mutex
	clients   map[chan notify.AlertMessage]string // client -> user filter
	heartbeat time.Duration
	onAlert   []func(notify.AlertMessage)
	log       *zap.Logger
}

// NewHub creates an SSE hub
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[chan notify.AlertMessage]string),
		heartbeat: defaultHeartbeat,
		log:       logger.Log.Named("sse"),
	}
}

// OnAlert registers fn to run for every alert received by Listen, before it
// is broadcast
func (h *Hub) OnAlert(fn func(notify.AlertMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAlert = append(h.onAlert, fn)
}

// Listen continuously receives alerts from src and broadcasts them until ctx
// is done.
func (h *Hub) Listen(ctx context.Context, src MessageSource) {
	h.log.Info("Starting to listen for alerts from Redis")

	for ctx.Err() == nil {
		msg, err := src.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			h.log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-time.After(time.Second): // Wait before retry
			case <-ctx.Done():
				return
			}
			continue
		}

		var alert notify.AlertMessage
		if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
			h.log.Error("Error unmarshaling alert message", zap.Error(err))
			continue
		}

		h.mu.Lock()
		hooks := h.onAlert
		h.mu.Unlock()
		for _, fn := range hooks {
			fn(alert)
		}

		h.Broadcast(alert)
	}
}

// Broadcast sends alert to every client subscribed to its user
func (h *Hub) Broadcast(alert notify.AlertMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for clientChan, userID := range h.clients {
		if userID != "" && userID != alert.UserID {
			continue
		}
		select {
		case clientChan <- alert:
			delivered++
		default:
			h.log.Warn("Alert dropped due to slow client", zap.String("user_id", alert.UserID))
		}
	}

	h.log.Info("Broadcast alert to clients",
		zap.String("alert_id", alert.AlertID),
		zap.String("user_id", alert.UserID),
		zap.Int("delivered", delivered),
	)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(userID string) chan notify.AlertMessage {
	clientChan := make(chan notify.AlertMessage, 10)
	h.mu.Lock()
	h.clients[clientChan] = userID
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("New SSE client connected", zap.String("user_id", userID), zap.Int("total_clients", n))
	return clientChan
}

func (h *Hub) unregister(clientChan chan notify.AlertMessage) {
	h.mu.Lock()
	delete(h.clients, clientChan)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("SSE client disconnected", zap.Int("total_clients", n))
}

// StreamAlertsHandler handles SSE connections. With ?user_id= only that
// user's alerts are streamed.
func (h *Hub) StreamAlertsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientChan := h.register(r.URL.Query().Get("user_id"))
	defer h.unregister(clientChan)

	// Send heartbeats to keep connection alive
	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		var alert notify.AlertMessage
		select {
		case alert = <-clientChan:
		case now := <-heartbeatTicker.C:
			alert = notify.Heartbeat(now)
		case <-r.Context().Done():
			return
		}

		alertData, err := json.Marshal(alert)
		if err != nil {
			h.log.Error("Failed to marshal alert data", zap.Error(err))
			continue
		}

		fmt.Fprintf(w, "data: %s\n\n", alertData)
		flusher.Flush()
	}
}
