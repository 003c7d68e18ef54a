package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/hossein1376/grape"

	"github.com/Bentlybro/whisper/internal/relay/config"
	"github.com/Bentlybro/whisper/internal/relay/hub"
)

type Handler struct {
	hub *hub.Hub
	cfg config.Config
}

func New(h *hub.Hub, cfg config.Config) *grape.Router {
	handler := &Handler{hub: h, cfg: cfg}
	return newRouter(handler)
}

func newRouter(h *Handler) *grape.Router {
	r := grape.NewRouter()
	r.UseAll(
		grape.RequestIDMiddleware,
		grape.LoggerMiddleware,
		grape.RecoverMiddleware,
	)

	r.Get("/", h.ForwardHandler)
	r.Get("/healthz", h.HealthHandler)
	r.Get("/stats", h.StatsHandler)

	return r
}

// ForwardHandler upgrades the connection and pumps frames between the
// socket and the hub until either side goes away.
func (h *Handler) ForwardHandler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		// Accept has already written the HTTP error; bots and scanners
		// land here all the time.
		return
	}
	c.SetReadLimit(h.cfg.Server.MaxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.hub.NewSession()
	defer sess.Close()

	// Egress: drain the session's queue onto the socket.
	go func() {
		defer cancel()
		for {
			select {
			case data := <-sess.Out():
				if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Ingress: binary frames go to the hub; everything else is ignored.
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure ||
				status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			c.Close(websocket.StatusProtocolError, "read failure")
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		sess.Ingest(data)
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	grape.Respond(r.Context(), w, http.StatusOK, grape.Map{"status": "ok"})
}

// StatsHandler reports table sizes only; nothing payload-derived.
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	peers, rooms := h.hub.Stats()
	grape.Respond(r.Context(), w, http.StatusOK, grape.Map{
		"peers": peers,
		"rooms": rooms,
	})
}
