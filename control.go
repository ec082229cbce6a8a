package offlinecache

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ControlPathPrefix is the path under which the control channel is served.
const ControlPathPrefix = "/.offline-cache"

const maxMessageBytes = 1 << 16

// Handler returns an http.Handler serving the control channel under ControlPathPrefix
// and every other request through the interceptor.
//
//	GET  /.offline-cache/status   lifecycle status as JSON
//	POST /.offline-cache/message  control message, e.g. {"type":"SKIP_WAITING"}
func (a *OfflineCache) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPathPrefix, func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/message", a.handleMessage)
	})
	r.Handle("/*", a.Interceptor)
	return r
}

func (a *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Controller.Status())
}

func (a *OfflineCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	a.log.Debug().Str("type", msg.Type).Msg("Control message received")
	// lifecycle transitions run to completion even if the client goes away
	ctx := context.WithoutCancel(r.Context())
	if err := a.Controller.HandleControlMessage(ctx, msg); err != nil {
		a.log.Error().Err(err).Str("type", msg.Type).Msg("Could not handle control message")
		http.Error(w, "Could not handle message", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, a.Controller.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
