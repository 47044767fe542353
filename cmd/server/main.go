package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fieldline/spine/internal/config"
	"github.com/fieldline/spine/internal/logger"
	"github.com/fieldline/spine/spine"
)

type Server struct {
	db     *sql.DB
	engine *spine.Engine
	router *chi.Mux
}

// NewServer connects to the configured database and wires the engine behind
// the HTTP routes.
func NewServer(cfg config.Config) (*Server, error) {
	driver, dsn, err := cfg.DriverAndDSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// modernc's driver is not safe for concurrent writers over one file.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newServer(spine.NewEngine(spine.NewSQLStore(db, driver)), db), nil
}

// newServer builds the route table. Tests use it directly with an in-memory
// engine and no database.
func newServer(engine *spine.Engine, db *sql.DB) *Server {
	s := &Server{db: db, engine: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/work-items", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkItem)
			r.Get("/", s.handleListWorkItems)

			r.Route("/{workItemId}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkItem)
				r.Post("/constraints", s.handleAddConstraint)
				r.Get("/constraints", s.handleListConstraints)
				r.Post("/commit", s.handleCommit)
				r.Get("/commitments", s.handleListCommitments)
				r.Post("/reset", s.handleReset)
				r.Get("/audit-events", s.handleListAuditEvents)
			})
		})

		r.Put("/constraints/{constraintId}/clear", s.handleClearConstraint)
		r.Put("/constraints/{constraintId}/reopen", s.handleReopenConstraint)

		r.Put("/commitments/{commitmentId}/complete", s.handleCompleteCommitment)
		r.Put("/commitments/{commitmentId}/fail", s.handleFailCommitment)
		r.Patch("/commitments/{commitmentId}", s.handlePatchCommitment)

		r.Get("/learning-signals", s.handleListLearningSignals)
		r.Get("/learning-signals/drilldown", s.handleDrilldown)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req createWorkItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	wi, err := s.engine.CreateWorkItem(r.Context(), spine.CreateWorkItemParams{
		Title:                   req.Title,
		Description:             req.Description,
		Location:                req.Location,
		OwnerUserID:             req.OwnerUserID,
		ReferencePlanSystem:     spine.ReferencePlanSystem(req.ReferencePlanSystem),
		ReferencePlanExternalID: req.ReferencePlanExternalID,
		ReferencePlanDates:      req.ReferencePlanDates,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, wi)
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListWorkItems(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"work_items": items})
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	wi, err := s.engine.GetWorkItem(r.Context(), chi.URLParam(r, "workItemId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wi)
}

func (s *Server) handleAddConstraint(w http.ResponseWriter, r *http.Request) {
	var req addConstraintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	constraint, _, err := s.engine.AddConstraint(r.Context(), chi.URLParam(r, "workItemId"), req.Type, req.Description)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, constraint)
}

func (s *Server) handleListConstraints(w http.ResponseWriter, r *http.Request) {
	constraints, err := s.engine.ListConstraints(r.Context(), chi.URLParam(r, "workItemId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"constraints": constraints})
}

func (s *Server) handleClearConstraint(w http.ResponseWriter, r *http.Request) {
	var req clearConstraintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	constraint, _, err := s.engine.ClearConstraint(r.Context(), chi.URLParam(r, "constraintId"), req.ClearedByUserID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondConstraintWithState(w, r, constraint)
}

func (s *Server) handleReopenConstraint(w http.ResponseWriter, r *http.Request) {
	constraint, _, err := s.engine.ReopenConstraint(r.Context(), chi.URLParam(r, "constraintId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondConstraintWithState(w, r, constraint)
}

// respondConstraintWithState attaches the owning work item's current state,
// so callers see the readiness effect of the change they just made.
func (s *Server) respondConstraintWithState(w http.ResponseWriter, r *http.Request, c *spine.Constraint) {
	wi, err := s.engine.GetWorkItem(r.Context(), c.WorkItemID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, constraintResponse{Constraint: c, WorkItemState: wi.State})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	commitment, err := s.engine.CreateCommitment(r.Context(), chi.URLParam(r, "workItemId"),
		req.CommittedByUserID, req.OwnerUserID, req.DueAt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, commitment)
}

func (s *Server) handleListCommitments(w http.ResponseWriter, r *http.Request) {
	commitments, err := s.engine.ListCommitments(r.Context(), chi.URLParam(r, "workItemId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"commitments": commitments})
}

func (s *Server) handleCompleteCommitment(w http.ResponseWriter, r *http.Request) {
	commitment, signal, err := s.engine.CompleteCommitment(r.Context(), chi.URLParam(r, "commitmentId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, completeResponse{Commitment: commitment, LearningSignal: signal})
}

func (s *Server) handleFailCommitment(w http.ResponseWriter, r *http.Request) {
	var req failCommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	signal, err := s.engine.FailCommitment(r.Context(), chi.URLParam(r, "commitmentId"),
		spine.PrimaryCause(req.PrimaryCause), req.SecondaryCause, req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"learning_signal": signal})
}

func (s *Server) handlePatchCommitment(w http.ResponseWriter, r *http.Request) {
	var req patchCommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := s.engine.ModifyCommitment(r.Context(), chi.URLParam(r, "commitmentId"), spine.CommitmentChanges{
		DueAt:             req.DueAt,
		OwnerUserID:       req.OwnerUserID,
		CommittedByUserID: req.CommittedByUserID,
		WorkItemID:        req.WorkItemID,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "unchanged"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	wi, err := s.engine.ResetToIntent(r.Context(), chi.URLParam(r, "workItemId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wi)
}

func (s *Server) handleListLearningSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.engine.ListLearningSignals(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"learning_signals": signals})
}

func (s *Server) handleDrilldown(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Drilldown(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListAuditEvents(r.Context(), chi.URLParam(r, "workItemId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"audit_events": events})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondDomainError maps the engine's typed errors onto HTTP statuses. A
// refusal is 403 with the open constraints listed; it is an expected outcome,
// not a server fault.
func respondDomainError(w http.ResponseWriter, err error) {
	var refusal *spine.RefusalError
	if errors.As(err, &refusal) {
		open := refusal.OpenConstraints
		if open == nil {
			open = []string{}
		}
		respondJSON(w, http.StatusForbidden, refusalResponse{
			Message:         refusal.Message,
			OpenConstraints: open,
		})
		return
	}

	var notFound *spine.NotFoundError
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, notFound.Error(), nil)
		return
	}

	var validation *spine.ValidationError
	if errors.As(err, &validation) {
		respondError(w, http.StatusBadRequest, validation.Error(), nil)
		return
	}

	var immutability *spine.ImmutabilityError
	if errors.As(err, &immutability) {
		respondError(w, http.StatusConflict, immutability.Error(), nil)
		return
	}

	var invalidState *spine.InvalidStateError
	if errors.As(err, &invalidState) {
		respondError(w, http.StatusConflict, invalidState.Error(), nil)
		return
	}

	logger.Error("request failed", "error", err)
	respondError(w, http.StatusInternalServerError, "internal error", err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	logger.Init(cfg.LogLevel, cfg.OTELEnabled, cfg.OTELServiceName)

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("Logger shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}
