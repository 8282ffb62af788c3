package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

type ActivityHandler struct {
	feed     *services.ActivityFeed
	notifier *events.Notifier
	upgrader websocket.Upgrader
}

func NewActivityHandler(feed *services.ActivityFeed, notifier *events.Notifier) *ActivityHandler {
	return &ActivityHandler{
		feed:     feed,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Mini App webviews connect from Telegram origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *ActivityHandler) Routes(r chi.Router) {
	r.Get("/activity", h.List)
	r.Get("/activity/ws", h.Stream)
}

func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	items, err := h.feed.List(r.Context(), userID, limit)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Stream upgrades to a websocket that receives the caller's activity as it
// happens. The client only reads; anything it sends is discarded.
func (h *ActivityHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.notifier.RegisterConnection(userID, conn)
	defer h.notifier.UnregisterConnection(userID, conn)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
