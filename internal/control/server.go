// internal/control/server.go

// Package control exposes a local HTTP surface for operating the sync
// layer: health, message injection, named task triggers, and read-only
// access to conversations, transcripts, and artifacts.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/history"
	"github.com/user/flowsync/internal/types"
)

// InjectHandler forwards a prompt into the conversation bound to key.
type InjectHandler func(ctx context.Context, key types.BindingKey, prompt string) error

// Server is a lightweight HTTP handler for the control endpoints.
type Server struct {
	tasks       *history.TaskStore
	inject      InjectHandler
	index       types.ConversationStore
	transcripts types.TranscriptStore
	artifacts   types.ArtifactStore
	live        *conversation.Store
	mux         *http.ServeMux
}

// NewServer creates a control Server over the given stores. inject is
// called for ad-hoc prompts and task triggers; the reply flows to the
// bound channel, not the HTTP response.
func NewServer(
	tasks *history.TaskStore,
	inject InjectHandler,
	index types.ConversationStore,
	transcripts types.TranscriptStore,
	artifacts types.ArtifactStore,
	live *conversation.Store,
) *Server {
	s := &Server{
		tasks:       tasks,
		inject:      inject,
		index:       index,
		transcripts: transcripts,
		artifacts:   artifacts,
		live:        live,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /inject", s.handleInject)
	s.mux.HandleFunc("POST /tasks/", s.handleNamedTask)
	s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /api/conversations/", s.handleConversationDetail)
	s.mux.HandleFunc("GET /api/artifacts/", s.handleArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// injectRequest is the JSON body for POST /inject.
type injectRequest struct {
	Prompt     string `json:"prompt"`
	BindingKey string `json:"binding_key"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" || req.BindingKey == "" {
		http.Error(w, `{"error":"prompt and binding_key are required"}`, http.StatusBadRequest)
		return
	}

	if err := s.inject(r.Context(), types.BindingKey(req.BindingKey), req.Prompt); err != nil {
		slog.Error("inject prompt failed", "binding_key", req.BindingKey, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// namedTaskRequest is the optional JSON body for POST /tasks/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if name == "" {
		http.Error(w, `{"error":"task name required"}`, http.StatusBadRequest)
		return
	}

	task, err := s.tasks.Get(name)
	if err != nil {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	if !task.Enabled {
		http.Error(w, `{"error":"task is disabled"}`, http.StatusForbidden)
		return
	}

	prompt := task.Prompt

	// Allow body to override the prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	if err := s.inject(r.Context(), task.BindingKey, prompt); err != nil {
		slog.Error("task trigger failed", "task", name, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "task": name})
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	BindingKey     string `json:"binding_key,omitempty"`
	Title          string `json:"title,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	EventCount     int64  `json:"event_count"`
	Phase          string `json:"phase"`
	IsStreaming    bool   `json:"is_streaming"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convs, err := s.index.List(ctx)
	if err != nil {
		slog.Error("list conversations failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		count, err := s.transcripts.Count(ctx, conv.ConversationID)
		if err != nil {
			slog.Warn("count transcript failed", "conversation_id", conv.ConversationID, "error", err)
		}
		item := conversationResponse{
			ConversationID: string(conv.ConversationID),
			BindingKey:     string(conv.BindingKey),
			Title:          conv.Title,
			Status:         conv.Status,
			CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
			UpdatedAt:      conv.UpdatedAt.Format(time.RFC3339),
			EventCount:     count,
		}
		if state, ok := s.live.Get(conv.ConversationID); ok {
			item.Phase = string(state.Phase)
			item.IsStreaming = state.IsStreaming
		}
		result = append(result, item)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// stateResponse is a compact projection of live conversation state.
type stateResponse struct {
	ConversationID string            `json:"conversation_id"`
	Phase          string            `json:"phase"`
	IsStreaming    bool              `json:"is_streaming"`
	Message        string            `json:"message,omitempty"`
	Thought        string            `json:"thought,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CompletedTurns int               `json:"completed_turns"`
	PendingAsk     *wireAskResponse  `json:"pending_ask,omitempty"`
	RunningTools   []string          `json:"running_tools,omitempty"`
	FollowUps      []string          `json:"follow_ups,omitempty"`
	Tasks          map[string]string `json:"tasks,omitempty"`
	Usage          usageResponse     `json:"usage"`
}

type wireAskResponse struct {
	RequestID string   `json:"request_id"`
	Prompt    string   `json:"prompt,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Options   []string `json:"options,omitempty"`
}

type usageResponse struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Model        string  `json:"model,omitempty"`
}

// handleConversationDetail serves
// /api/conversations/{id}/transcript and /api/conversations/{id}/state.
func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	id := types.ConversationID(parts[0])

	switch parts[1] {
	case "transcript":
		s.serveTranscript(w, r, id)
	case "state":
		s.serveState(w, id)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (s *Server) serveTranscript(w http.ResponseWriter, r *http.Request, id types.ConversationID) {
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.transcripts.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail transcript failed", "conversation_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.TranscriptEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) serveState(w http.ResponseWriter, id types.ConversationID) {
	state, ok := s.live.Get(id)
	if !ok {
		http.Error(w, `{"error":"conversation has no live state"}`, http.StatusNotFound)
		return
	}

	resp := stateResponse{
		ConversationID: string(id),
		Phase:          string(state.Phase),
		IsStreaming:    state.IsStreaming,
		Message:        state.Message,
		Thought:        state.Thought,
		LastError:      state.LastError,
		CompletedTurns: state.CompletedTurns,
		RunningTools:   state.RunningTools(),
		FollowUps:      state.FollowUps,
		Usage: usageResponse{
			InputTokens:  state.Usage.InputTokens,
			OutputTokens: state.Usage.OutputTokens,
			TotalTokens:  state.Usage.TotalTokens,
			CostUSD:      state.Usage.CostUSD,
			Model:        state.Usage.Model,
		},
	}
	if ask, ok := state.PendingSummary(); ok {
		resp.PendingAsk = &wireAskResponse{
			RequestID: ask.RequestID,
			Prompt:    ask.Prompt,
			Summary:   ask.Summary,
			Options:   ask.Options,
		}
	}
	if len(state.Tasks) > 0 {
		resp.Tasks = make(map[string]string, len(state.Tasks))
		for taskID, task := range state.Tasks {
			resp.Tasks[taskID] = task.Status
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type artifactResponse struct {
	ArtifactID     string `json:"artifact_id"`
	ConversationID string `json:"conversation_id"`
	Origin         string `json:"origin"`
	MimeType       string `json:"mime_type,omitempty"`
	CreatedAt      string `json:"created_at"`
	Content        string `json:"content"`
}

// handleArtifact serves /api/artifacts/{id}. Optional query and max_chars
// parameters narrow the returned content to an excerpt.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := types.ArtifactID(strings.TrimPrefix(r.URL.Path, "/api/artifacts/"))
	if id == "" {
		http.Error(w, `{"error":"artifact id required"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	meta, err := s.artifacts.GetMeta(ctx, id)
	if err != nil {
		http.Error(w, `{"error":"artifact not found"}`, http.StatusNotFound)
		return
	}

	maxChars := 0
	if q := r.URL.Query().Get("max_chars"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			maxChars = n
		}
	}
	content, err := s.artifacts.Excerpt(ctx, id, r.URL.Query().Get("query"), maxChars)
	if err != nil {
		slog.Error("read artifact failed", "artifact_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifactResponse{
		ArtifactID:     string(meta.ID),
		ConversationID: string(meta.ConversationID),
		Origin:         meta.Origin,
		MimeType:       meta.MimeType,
		CreatedAt:      meta.CreatedAt.Format(time.RFC3339),
		Content:        content,
	})
}
