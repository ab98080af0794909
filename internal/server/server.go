// Package server exposes studies over HTTP and JSON-RPC 2.0. Each study runs
// its own optimization driver in a goroutine; clients poll for progress.
package server

import (
	"context"
	stderrors "errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/copyleftdev/parzen/internal/config"
	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/logging"
	"github.com/copyleftdev/parzen/internal/objectives"
	"github.com/copyleftdev/parzen/internal/optimization"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
	"github.com/copyleftdev/parzen/internal/study"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Status is the lifecycle state of a study.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	errStudyNotFound = stderrors.New("study not found")
	errStudyTerminal = stderrors.New("study already finished")
)

// StudyState tracks one study. Fields are guarded by Server.studiesMu.
type StudyState struct {
	ID          string
	Definition  study.Definition
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Done        int
	MaxEvals    int
	Best        *trials.Trial
	Exhausted   bool
	Error       string

	driver     *optimization.Driver
	cancelFunc context.CancelFunc
}

// Server implements the HTTP and JSON-RPC endpoints for studies.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics

	studies   map[string]*StudyState
	studiesMu sync.RWMutex
	wg        sync.WaitGroup
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		studies: make(map[string]*StudyState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/objectives", s.handleObjectives)
		r.Post("/studies", s.handleCreateStudy)
		r.Get("/studies", s.handleListStudies)
		r.Get("/studies/{id}", s.handleStudyStatus)
		r.Get("/studies/{id}/trials", s.handleStudyTrials)
		r.Delete("/studies/{id}", s.handleCancelStudy)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// MetricsHandler serves the server's Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.handler()
}

// startStudy validates def, registers a new study and launches its driver.
func (s *Server) startStudy(def study.Definition) (*StudyState, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	obj, _ := objectives.Lookup(def.Objective)
	sp, err := def.SearchSpace()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	studyLogger := s.logger.WithFields(map[string]interface{}{
		"study_id":  id,
		"objective": def.Objective,
	})

	base := study.BaseConfig(s.cfg)
	base.Logger = logging.NewZapLogger(studyLogger)
	base.OnTrial = func(p optimization.Progress) { s.recordProgress(id, p) }
	drvCfg, err := def.DriverConfig(base)
	if err != nil {
		return nil, err
	}
	driver, err := optimization.NewDriver(drvCfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &StudyState{
		ID:          id,
		Definition:  def,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		MaxEvals:    driver.Config().MaxEvals,
		driver:      driver,
		cancelFunc:  cancel,
	}

	s.studiesMu.Lock()
	s.studies[id] = state
	s.studiesMu.Unlock()
	s.metrics.activeStudies.Inc()

	studyLogger.Info("Study started", map[string]interface{}{
		"algorithm": string(driver.Config().Algorithm),
		"max_evals": driver.Config().MaxEvals,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runStudy(ctx, state, sp, obj.Objective, studyLogger)
	}()

	return state, nil
}

// runStudy executes the driver and records the outcome. A study cancelled
// while running keeps its cancelled status. The final best loss stays
// available through the status API only.
func (s *Server) runStudy(ctx context.Context, state *StudyState, sp *space.Space, objective optimization.Objective, logger *logging.Logger) {
	s.studiesMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.studiesMu.Unlock()

	result, err := state.driver.Optimize(ctx, sp, objective)

	s.studiesMu.Lock()
	defer s.studiesMu.Unlock()
	defer s.metrics.activeStudies.Dec()
	s.metrics.forgetStudy(state.ID)

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	switch {
	case state.Status == StatusCancelled:
		logger.Info("Study cancelled", map[string]interface{}{"trials": state.Done})
	case err != nil:
		state.Status = StatusFailed
		state.Error = err.Error()
		logger.Error("Study failed", map[string]interface{}{"error": err.Error()})
	default:
		state.Status = StatusCompleted
		best := result.Best
		state.Best = &best
		state.Exhausted = result.Exhausted
		logger.Info("Study completed", map[string]interface{}{
			"best_loss": best.Loss,
			"ok":        result.OK,
			"failed":    result.Failed,
		})
	}
}

// recordProgress is the driver's OnTrial callback.
func (s *Server) recordProgress(id string, p optimization.Progress) {
	s.studiesMu.Lock()
	state, ok := s.studies[id]
	if ok {
		state.Done = p.Done
		state.LastUpdated = time.Now()
		if p.HasBest {
			best := p.Best
			state.Best = &best
		}
	}
	objective := ""
	if ok {
		objective = state.Definition.Objective
	}
	s.studiesMu.Unlock()

	s.metrics.observeTrial(objective, id, p.Trial, p.Best, p.HasBest)
}

func (s *Server) lookup(id string) (*StudyState, error) {
	state, ok := s.studies[id]
	if !ok {
		return nil, errors.Wrapf(errStudyNotFound, "study %s", id)
	}
	return state, nil
}

// studyStatus renders a study for clients.
func (s *Server) studyStatus(id string) (map[string]interface{}, error) {
	s.studiesMu.RLock()
	defer s.studiesMu.RUnlock()

	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	response := map[string]interface{}{
		"study_id":    state.ID,
		"name":        state.Definition.Name,
		"objective":   state.Definition.Objective,
		"status":      state.Status,
		"trials_done": state.Done,
		"max_evals":   state.MaxEvals,
		"progress":    float64(state.Done) / float64(state.MaxEvals),
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Best != nil {
		response["best"] = trialView(*state.Best)
	}
	if state.Exhausted {
		response["exhausted"] = true
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	return response, nil
}

// studyTrials returns the full trial history of a study.
func (s *Server) studyTrials(id string) ([]map[string]interface{}, error) {
	s.studiesMu.RLock()
	state, err := s.lookup(id)
	s.studiesMu.RUnlock()
	if err != nil {
		return nil, err
	}

	history := state.driver.History()
	out := make([]map[string]interface{}, len(history))
	for i, t := range history {
		out[i] = trialView(t)
	}
	return out, nil
}

// cancelStudy stops a pending or running study.
func (s *Server) cancelStudy(id string) error {
	s.studiesMu.Lock()
	defer s.studiesMu.Unlock()

	state, err := s.lookup(id)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return errors.Wrapf(errStudyTerminal, "cannot cancel study with status %s", state.Status)
	}

	state.cancelFunc()
	state.Status = StatusCancelled
	now := time.Now()
	state.LastUpdated = now

	s.logger.Info("Study cancelled", map[string]interface{}{
		"study_id": id,
	})
	return nil
}

func trialView(t trials.Trial) map[string]interface{} {
	view := map[string]interface{}{
		"id":     t.ID,
		"status": t.Status,
		"config": t.Config,
	}
	if t.Status == trials.StatusOK {
		view["loss"] = jsonFloat(t.Loss)
	}
	if t.Err != "" {
		view["error"] = t.Err
	}
	if !t.CompletedAt.IsZero() {
		view["duration_ms"] = float64(t.Duration().Microseconds()) / 1000
	}
	return view
}

// jsonFloat maps values encoding/json rejects to nil.
func jsonFloat(f float64) interface{} {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return f
}

// Close cancels every study and waits for their drivers to return.
func (s *Server) Close() error {
	s.studiesMu.Lock()
	for _, st := range s.studies {
		if !st.Status.Terminal() {
			st.Status = StatusCancelled
		}
		st.cancelFunc()
	}
	s.studiesMu.Unlock()

	s.wg.Wait()
	return nil
}
