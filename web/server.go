package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"devmate/bus"
	"devmate/capture"
	"devmate/config"
	"devmate/generator"
	"devmate/pinger"
	"devmate/replay"
	"devmate/storage"
)

// Server exposes the capture log and the live feed to UI surfaces: a JSON
// API for panels and a WebSocket endpoint speaking the action protocol.
type Server struct {
	config     *config.Config
	database   *storage.Database
	hub        *bus.Hub
	controller *capture.Controller
	engine     *replay.Engine
	scheduler  *pinger.Scheduler
}

func NewServer(cfg *config.Config, db *storage.Database, hub *bus.Hub, controller *capture.Controller, engine *replay.Engine, scheduler *pinger.Scheduler) *Server {
	return &Server{
		config:     cfg,
		database:   db,
		hub:        hub,
		controller: controller,
		engine:     engine,
		scheduler:  scheduler,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	address := fmt.Sprintf("%s:%d", s.config.Server.ListenHost, s.config.Server.ListenPort)
	log.Printf("Starting devmate API on http://%s", address)
	return http.ListenAndServe(address, mux)
}

// RegisterRoutes adds the API routes to an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/ws", s.hub.ServeWS)

	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/requests/", s.handleRequestDetail)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/collections", s.handleCollections)
	mux.HandleFunc("/api/collections/", s.handleCollectionDetail)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/pings", s.handlePings)
	mux.HandleFunc("/api/pings/", s.handlePingDetail)
}

// HandleBusMessage dispatches one inbound WebSocket action. Wire it as the
// hub's MessageHandler.
func (s *Server) HandleBusMessage(action string, data json.RawMessage, reply func(payload any)) {
	switch action {
	case "contentScriptReady":
		s.controller.MarkUIReady()

	case "toggleCapture":
		var msg struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(map[string]any{"ok": false, "error": "malformed toggleCapture message"})
			return
		}
		enabled, err := s.controller.ToggleCapture(msg.Enabled)
		if err != nil {
			log.Printf("web: toggle capture failed: %v", err)
			reply(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		reply(map[string]any{"ok": true, "enabled": enabled})

	case "replayRequest":
		var msg struct {
			Request   *storage.CapturedRequest `json:"request"`
			RequestID string                   `json:"requestId"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(map[string]any{"ok": false, "error": "malformed replayRequest message"})
			return
		}
		rec := msg.Request
		if rec == nil && msg.RequestID != "" {
			stored, err := s.database.GetCapturedRequest(msg.RequestID)
			if err != nil {
				reply(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			rec = stored
		}
		if rec == nil {
			reply(map[string]any{"ok": false, "error": "replayRequest needs a request or requestId"})
			return
		}
		// Result arrives as a replayResult broadcast.
		go s.engine.Replay(rec)
		reply(map[string]any{"ok": true})

	case "executePing":
		id, ok := pingIDFromMessage(data)
		if !ok {
			reply(map[string]any{"ok": false, "error": "malformed executePing message"})
			return
		}
		result, err := s.scheduler.Execute(id)
		if err != nil {
			reply(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		reply(map[string]any{"ok": true, "result": result})

	case "startPing":
		id, ok := pingIDFromMessage(data)
		if !ok {
			reply(map[string]any{"ok": false, "error": "malformed startPing message"})
			return
		}
		if err := s.scheduler.Start(id); err != nil {
			reply(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		reply(map[string]any{"ok": true})

	case "stopPing":
		id, ok := pingIDFromMessage(data)
		if !ok {
			reply(map[string]any{"ok": false, "error": "malformed stopPing message"})
			return
		}
		s.scheduler.Stop(id)
		reply(map[string]any{"ok": true})

	default:
		log.Printf("web: ignoring unknown action %q", action)
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DevMate</title>
</head>
<body>
    <h1>DevMate</h1>
    <p>Request capture and replay daemon. Connect a UI to <code>/ws</code> or browse <a href="/api/requests">/api/requests</a>.</p>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, html)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		requests, err := s.database.ListCapturedRequests()
		if err != nil {
			http.Error(w, "Failed to list captured requests", http.StatusInternalServerError)
			return
		}
		writeJSON(w, requests)
	case http.MethodDelete:
		if err := s.database.ClearCapturedRequests(); err != nil {
			http.Error(w, "Failed to clear captured requests", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/api/requests/"):]
	if rest == "" {
		http.Error(w, "Missing request ID", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(rest, "/replay") {
		s.handleReplay(w, r, strings.TrimSuffix(rest, "/replay"))
		return
	}
	if strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.database.GetCapturedRequest(rest)
		if err != nil {
			http.Error(w, "Request not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	case http.MethodPatch:
		var update storage.RequestUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "Invalid update payload", http.StatusBadRequest)
			return
		}
		if err := s.database.UpdateCapturedRequest(rest, update); err != nil {
			http.Error(w, "Failed to update request", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.database.RemoveCapturedRequest(rest); err != nil {
			http.Error(w, "Failed to delete request", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, err := s.database.GetCapturedRequest(id)
	if err != nil {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}

	// Allow the caller to override stored fields for this invocation.
	if r.Body != nil {
		var update storage.RequestUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil && err != io.EOF {
			http.Error(w, "Invalid replay payload", http.StatusBadRequest)
			return
		}
		applyUpdate(rec, update)
	}

	writeJSON(w, s.engine.Replay(rec))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		enabled, err := s.database.CaptureEnabled()
		if err != nil {
			http.Error(w, "Failed to read capture flag", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	case http.MethodPost:
		var msg struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "Invalid capture payload", http.StatusBadRequest)
			return
		}
		enabled, err := s.controller.ToggleCapture(msg.Enabled)
		if err != nil {
			http.Error(w, "Failed to toggle capture", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := s.database.CollectionNames()
	if err != nil {
		http.Error(w, "Failed to list collections", http.StatusInternalServerError)
		return
	}
	writeJSON(w, names)
}

func (s *Server) handleCollectionDetail(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/api/collections/"):]
	name, key, hasKey := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "Missing collection name", http.StatusBadRequest)
		return
	}

	if !hasKey {
		switch r.Method {
		case http.MethodGet:
			items, err := s.database.GetCollection(name)
			if err != nil {
				http.Error(w, "Failed to read collection", http.StatusInternalServerError)
				return
			}
			writeJSON(w, items)
		case http.MethodDelete:
			if err := s.database.ClearCollection(name); err != nil {
				http.Error(w, "Failed to clear collection", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		item, err := s.database.GetCollectionItem(name, key)
		if err != nil {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		writeJSON(w, item)
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil || !json.Valid(value) {
			http.Error(w, "Value must be valid JSON", http.StatusBadRequest)
			return
		}
		if err := s.database.PutCollectionItem(name, key, value); err != nil {
			http.Error(w, "Failed to store item", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.database.RemoveCollectionItem(name, key); err != nil {
			http.Error(w, "Failed to delete item", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := r.URL.Query().Get("type")
	var value string
	var err error
	switch kind {
	case "username":
		value, err = generator.Username()
	case "password":
		length := generator.DefaultPasswordLength
		if raw := r.URL.Query().Get("length"); raw != "" {
			length, err = strconv.Atoi(raw)
			if err != nil || length < 1 || length > 256 {
				http.Error(w, "Invalid password length", http.StatusBadRequest)
				return
			}
		}
		value, err = generator.Password(length)
	case "email":
		value, err = generator.Email()
	default:
		http.Error(w, "type must be username, password or email", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"type": kind, "value": value})
}

func (s *Server) handlePings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		targets, err := s.scheduler.List()
		if err != nil {
			http.Error(w, "Failed to list ping targets", http.StatusInternalServerError)
			return
		}
		writeJSON(w, targets)
	case http.MethodPost:
		var target pinger.Target
		if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
			http.Error(w, "Invalid ping target", http.StatusBadRequest)
			return
		}
		saved, err := s.scheduler.Save(target)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, saved)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePingDetail(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/api/pings/"):]
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Missing ping ID", http.StatusBadRequest)
		return
	}

	if hasAction {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch action {
		case "execute":
			result, err := s.scheduler.Execute(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, result)
		case "start":
			if err := s.scheduler.Start(id); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "stop":
			s.scheduler.Stop(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.scheduler.Remove(id); err != nil {
		http.Error(w, "Failed to delete ping target", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pingIDFromMessage accepts both the flat pingId field and the embedded
// pingRequest object the original UI sends.
func pingIDFromMessage(data json.RawMessage) (string, bool) {
	var msg struct {
		PingID      string `json:"pingId"`
		PingRequest *struct {
			ID string `json:"id"`
		} `json:"pingRequest"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", false
	}
	if msg.PingID != "" {
		return msg.PingID, true
	}
	if msg.PingRequest != nil && msg.PingRequest.ID != "" {
		return msg.PingRequest.ID, true
	}
	return "", false
}

func applyUpdate(rec *storage.CapturedRequest, update storage.RequestUpdate) {
	if update.URL != nil {
		rec.URL = *update.URL
	}
	if update.Method != nil {
		rec.Method = *update.Method
	}
	if update.Headers != nil {
		rec.Headers = *update.Headers
	}
	if update.BodyKind != nil {
		rec.BodyKind = *update.BodyKind
	}
	if update.Body != nil {
		rec.Body = *update.Body
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: failed to encode response: %v", err)
	}
}
