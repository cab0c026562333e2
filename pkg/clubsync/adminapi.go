// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/aiku/clubsync/pkg/eventschema"
)

const maxAdminBodySize = 64 << 10

// GroupStatus is one row of GET /api/groups.
type GroupStatus struct {
	ClubID       string `json:"club_id"`
	Group        string `json:"group"`
	Naddr        string `json:"naddr,omitempty"`
	Subscription string `json:"subscription"`
	Members      int    `json:"members"`
}

type sendRequest struct {
	ClubID  string `json:"club_id"`
	Content string `json:"content"`
}

// AdminHandler returns the admin API routes.
func (e *Engine) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", e.HandleSync)
	mux.HandleFunc("/api/groups", e.HandleGroups)
	mux.HandleFunc("/api/messages", e.HandleSendMessage)
	return mux
}

func (e *Engine) startAdminAPI(addr string) {
	server := &http.Server{
		Addr:         addr,
		Handler:      e.AdminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	e.admin = server
	go func() {
		e.log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

func (e *Engine) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleSync is the handler for POST /api/sync. It runs one resync pass
// immediately.
func (e *Engine) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	e.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Manual resync requested")
	report, err := e.SyncGroups(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	e.writeJSON(w, http.StatusOK, report)
}

// HandleGroups is the handler for GET /api/groups.
func (e *Engine) HandleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mappings := e.Mappings.All()
	out := make([]GroupStatus, 0, len(mappings))
	for club, group := range mappings {
		status := GroupStatus{
			ClubID:       club,
			Group:        group.Key(),
			Subscription: e.SubscriptionState(group).String(),
			Members:      len(e.Resolver.CachedMembers(group)),
		}
		if len(group.Relays) > 0 {
			status.Naddr, _ = group.Naddr()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClubID < out[j].ClubID })
	e.writeJSON(w, http.StatusOK, out)
}

// HandleSendMessage is the handler for POST /api/messages. The message is
// queued, not sent synchronously.
func (e *Engine) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	err = e.SendMessageToGroup(r.Context(), req.ClubID, req.Content, "")
	var malformed *eventschema.MalformedEventError
	switch {
	case err == nil:
		e.writeJSON(w, http.StatusAccepted, map[string]int{"queued": e.QueueLen()})
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrNotMapped):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &malformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
