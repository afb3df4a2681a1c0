package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// errSlowClient disconnects an SSE stream whose buffer is full.
var errSlowClient = errors.New("router: client buffer full")

// HTTPOptions tunes NewHTTPHandler.
type HTTPOptions struct {
	// EventBuffer is the number of pushes buffered per SSE stream. Default 64.
	EventBuffer int
	// MaxBodyBytes bounds POST /messages bodies. Default 1 MiB.
	MaxBodyBytes int64
}

// NewHTTPHandler exposes r over HTTP:
//
//	POST /messages  one Message in, one Message out
//	GET  /events    Server-Sent Events stream of pushes
//	GET  /healthz   liveness
func NewHTTPHandler(r *Router, opts HTTPOptions) http.Handler {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
		var msg Message
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, opts.MaxBodyBytes))
		if err == nil {
			err = sonic.Unmarshal(body, &msg)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, reply(Error, Result{Error: "invalid message: " + err.Error()}))
			return
		}
		writeJSON(w, http.StatusOK, r.Handle(req.Context(), msg))
	})

	mux.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		events := make(chan Message, opts.EventBuffer)
		disconnect := r.Connect(ClientFunc(func(m Message) error {
			select {
			case events <- m:
				return nil
			default:
				return errSlowClient
			}
		}))
		defer disconnect()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-req.Context().Done():
				return
			case m := <-events:
				b, err := json.Marshal(m)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, b); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": r.Clients()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
