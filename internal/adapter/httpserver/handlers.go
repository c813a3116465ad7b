package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/config"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
	"github.com/fairyhunter13/ai-request-scheduler/internal/usecase"
	"github.com/fairyhunter13/ai-request-scheduler/internal/worker"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Processor *usecase.Processor
	Pool      *worker.Pool
	Registry  *ai.Registry
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, proc *usecase.Processor, pool *worker.Pool, reg *ai.Registry) *Server {
	return &Server{Cfg: cfg, Processor: proc, Pool: pool, Registry: reg}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitRequest struct {
	Prompt     string         `json:"prompt" validate:"required"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters"`
	Priority   string         `json:"priority"`
}

func (s *Server) decodeSubmit(r *http.Request) (submitRequest, error) {
	var in submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(in); err != nil {
		return in, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return in, nil
}

// EnqueueHandler admits a request to the priority queue and returns its id.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := s.decodeSubmit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		priority, err := domain.ParsePriority(in.Priority)
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "priority"})
			return
		}
		id, err := s.Processor.EnqueueRequest(r.Context(), domain.AIRequest{
			Prompt:     in.Prompt,
			Provider:   in.Provider,
			Model:      in.Model,
			Parameters: in.Parameters,
		}, priority)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("request accepted", "request_id", id, "priority", string(priority))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"requestId": id,
			"status":    domain.StatusPending,
			"priority":  priority,
		})
	}
}

// ProcessHandler runs a request synchronously, bypassing the queue.
func (s *Server) ProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := s.decodeSubmit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp, err := s.Processor.ProcessRequest(r.Context(), domain.AIRequest{
			Prompt:     in.Prompt,
			Provider:   in.Provider,
			Model:      in.Model,
			Parameters: in.Parameters,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusHandler returns the lifecycle record for a request id.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id required", domain.ErrInvalidArgument), nil)
			return
		}
		rec, err := s.Processor.GetRequestStatus(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// CancelHandler attempts cancellation; refusals carry the blocking status
// and a reason rather than an error envelope.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id required", domain.ErrInvalidArgument), nil)
			return
		}
		res := s.Processor.CancelRequest(id)
		status := http.StatusOK
		if !res.Success {
			if res.Reason == "Request not found" {
				status = http.StatusNotFound
			} else {
				status = http.StatusConflict
			}
		}
		writeJSON(w, status, res)
	}
}

// ProvidersHandler lists discovered provider capabilities.
func (s *Server) ProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": s.Registry.Capabilities()})
	}
}

// HealthHandler composes processor, queue, and pool health. Degraded
// subsystems answer 503 with the full snapshot in the body.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.Processor.HealthStatus(r.Context())
		body := map[string]any{
			"isRunning": snap.IsRunning,
			"isHealthy": snap.IsHealthy,
			"services":  snap.Services,
			"metrics":   snap.Metrics,
		}
		healthy := snap.IsHealthy
		if s.Pool != nil {
			ph := s.Pool.Health(r.Context())
			body["workerPool"] = ph
			healthy = healthy && ph.IsHealthy
		}
		body["isHealthy"] = healthy
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, body)
	}
}
