// Package httpapi exposes agents, test runs and chat over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/executor"
	"agent_builder/internal/graph"
	"agent_builder/internal/palette"
)

type AgentStore interface {
	SaveAgent(ctx context.Context, agent domain.AgentData) error
	LoadAgent(ctx context.Context, id string) (domain.AgentData, error)
	ListAgents(ctx context.Context) ([]domain.AgentSummary, error)
	DeleteAgent(ctx context.Context, id string) error
}

type Runner interface {
	Run(ctx context.Context, agent domain.AgentData, input string) (executor.Result, error)
}

type ChatService interface {
	OpenConversation(ctx context.Context, agentID, userID string) (domain.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error)
	Send(ctx context.Context, conversationID, content string) (domain.ChatMessage, domain.ChatMessage, error)
	Regenerate(ctx context.Context, conversationID, messageID string) (domain.ChatMessage, domain.ChatMessage, error)
	EditMessage(ctx context.Context, messageID, content string) (domain.ChatMessage, error)
}

type Options struct {
	AllowedOrigins []string
	// UserID owns conversations opened without an explicit user.
	UserID string
}

type Server struct {
	agents   AgentStore
	runner   Runner
	chat     ChatService
	opts     Options
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(agents AgentStore, runner Runner, chat ChatService, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.UserID) == "" {
		opts.UserID = "local"
	}
	return &Server{
		agents:   agents,
		runner:   runner,
		chat:     chat,
		opts:     opts,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/palette", s.handlePalette)
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleSaveAgent)
		r.Get("/{agentID}", s.handleGetAgent)
		r.Delete("/{agentID}", s.handleDeleteAgent)
		r.Post("/{agentID}/run", s.handleRun)
		r.Post("/{agentID}/conversations", s.handleOpenConversation)
	})
	r.Route("/conversations/{conversationID}/messages", func(r chi.Router) {
		r.Get("/", s.handleListMessages)
		r.Post("/", s.handleSendMessage)
		r.Post("/{messageID}/regenerate", s.handleRegenerate)
	})
	r.Patch("/messages/{messageID}", s.handleEditMessage)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handlePalette(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, palette.Entries())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type saveAgentRequest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name" validate:"required,max=200"`
	Description string              `json:"description" validate:"max=2000"`
	Nodes       []domain.Node       `json:"nodes"`
	Connections []domain.Connection `json:"connections"`
}

// handleSaveAgent creates or replaces an agent. The graph is checked against
// the same rules the editor enforces before it is stored.
func (s *Server) handleSaveAgent(w http.ResponseWriter, r *http.Request) {
	var req saveAgentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := graph.FromAgent(domain.AgentData{
		ID:          strings.TrimSpace(req.ID),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Nodes:       req.Nodes,
		Connections: req.Connections,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent := g.Agent()
	status := http.StatusCreated
	if existing, err := s.agents.LoadAgent(r.Context(), agent.ID); err == nil {
		agent.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	} else if !apperr.IsNotFound(err) {
		s.writeError(w, r, err)
		return
	} else {
		agent.CreatedAt = s.now()
	}
	agent.UpdatedAt = s.now()
	if err := s.agents.SaveAgent(r.Context(), agent); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.LoadAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DeleteAgent(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runRequest struct {
	Input string `json:"input" validate:"max=20000"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.agents.LoadAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.runner.Run(r.Context(), agent, req.Input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type openConversationRequest struct {
	UserID string `json:"user_id" validate:"max=200"`
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req openConversationRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = s.opts.UserID
	}
	conv, err := s.chat.OpenConversation(r.Context(), chi.URLParam(r, "agentID"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.Messages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type messageRequest struct {
	Content string `json:"content" validate:"required,max=20000"`
}

type exchange struct {
	User  domain.ChatMessage `json:"user"`
	Reply domain.ChatMessage `json:"reply"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, reply, err := s.chat.Send(r.Context(), chi.URLParam(r, "conversationID"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exchange{User: user, Reply: reply})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	user, reply, err := s.chat.Regenerate(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exchange{User: user, Reply: reply})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.chat.EditMessage(r.Context(), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// decode reads a JSON body into v and runs its validate tags. An empty body
// decodes as the zero value.
func (s *Server) decode(r *http.Request, v any) error {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return &apperr.Error{
				Kind:    apperr.KindValidation,
				Op:      "httpapi.decode",
				Code:    "invalid_json",
				Message: "invalid json body",
				Err:     err,
			}
		}
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Validation("httpapi.decode",
				strings.ToLower(fe.Field())+"_"+fe.Tag(),
				fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStore, apperr.KindExec:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body["kind"] = appErr.Kind
		if appErr.Code != "" {
			body["code"] = appErr.Code
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
