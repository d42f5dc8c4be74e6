package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
)

const maxTokenRequestSize = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// TokenRequest exchanges the operator key for a control token.
type TokenRequest struct {
	Key   string `json:"key"`
	Actor string `json:"actor"`
}

// StatsResponse is served at /api/stats.
type StatsResponse struct {
	RunID          string            `json:"run_id"`
	Level          string            `json:"level"`
	State          string            `json:"state"`
	Ticks          uint64            `json:"ticks"`
	Published      uint64            `json:"published"`
	Subscribers    int               `json:"subscribers"`
	QueueLen       int               `json:"queue_len"`
	QueueCap       int               `json:"queue_cap"`
	QueueRejected  uint64            `json:"queue_rejected"`
	Clients        int               `json:"clients"`
	Connections    int               `json:"connections"`
	RunsFinished   int               `json:"runs_finished"`
	Events         map[string]uint64 `json:"events"`
	EventsDropped  uint64            `json:"events_dropped"`
	ControlEnabled bool              `json:"control_enabled"`
}

// SetupRoutes configures HTTP routes
func SetupRoutes(hub *Hub, clientDir string) *http.ServeMux {
	mux := http.NewServeMux()

	if clientDir != "" {
		// Serve static files with no-cache so browsers always revalidate
		fs := http.FileServer(http.Dir(clientDir))
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			fs.ServeHTTP(w, r)
		}))
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}

		hub.TrackConnect(ip)
		q := r.URL.Query()
		token := q.Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
		}
		client := NewClient(hub, conn, ip, ClientOptions{
			Binary: q.Get("enc") == "msgpack",
			Token:  token,
		})
		if !hub.Register(client) {
			hub.TrackDisconnect(ip)
			conn.Close()
			return
		}

		run := hub.sup.Current()
		hub.journal.Track(EvtConnOpen, run.ID, client.id, map[string]any{"ip": ip, "binary": client.opts.Binary})
		client.Start(run)
	})

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		run := hub.sup.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"run_id": run.ID,
			"state":  run.Loop.State().String(),
		})
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		run := hub.sup.Current()
		finished, _ := hub.sup.Finished()
		resp := StatsResponse{
			RunID:          run.ID,
			Level:          run.Level,
			State:          run.Loop.State().String(),
			Ticks:          run.Loop.Ticks(),
			Published:      run.Updates.Published(),
			Subscribers:    run.Updates.Subscribers(),
			QueueLen:       run.Queue.Len(),
			QueueCap:       run.Queue.Cap(),
			QueueRejected:  run.Queue.Rejected(),
			Clients:        hub.ClientCount(),
			Connections:    hub.TotalConns(),
			RunsFinished:   finished,
			ControlEnabled: hub.auth.Required(),
		}
		if hub.journal != nil {
			resp.Events = hub.journal.Counts()
			resp.EventsDropped = hub.journal.Dropped()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req TokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTokenRequestSize)).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		token, err := hub.auth.IssueToken(req.Key, req.Actor, extractIP(r))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"token": token})
		case errors.Is(err, ErrControlDisabled):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrTooManyAttempts):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		}
	})

	// QR code of the websocket URL, for pairing a phone controller
	mux.HandleFunc("/api/controller.png", func(w http.ResponseWriter, r *http.Request) {
		png, err := qrcode.Encode(controllerURL(r), qrcode.Medium, 256)
		if err != nil {
			http.Error(w, "qr error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(png)
	})

	return mux
}

func controllerURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/ws"}
	if token := r.URL.Query().Get("token"); token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}
