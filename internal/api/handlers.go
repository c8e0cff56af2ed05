package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"portal-bridge/internal/channel"
	"portal-bridge/internal/command"
	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
	"portal-bridge/internal/netaddr"
	"portal-bridge/internal/ratelimit"
	"portal-bridge/internal/registry"
)

// Channel is the connector surface the gateway uses.
type Channel interface {
	Send(ctx context.Context, jobID, command string) (uint64, error)
	State() channel.State
}

// Registry is the job table surface the gateway uses.
type Registry interface {
	Create(command, clientIdentity string) string
	Bind(jobID string, session uint64) error
	Remove(jobID, reason string) bool
	Get(jobID string) (models.JobSnapshot, bool)
	List(f registry.Filter) []models.JobSnapshot
	Stats() models.Metrics
}

// History is the optional job journal.
type History interface {
	GetJobByID(id string) (models.Job, error)
	ListJobs(state models.JobState, client string, limit int) ([]models.Job, error)
}

// Options configures a Server. Limiter, Watch and History are optional.
type Options struct {
	Registry    Registry
	Channel     Channel
	Resolver    *netaddr.Resolver
	Limiter     *ratelimit.RateLimiter
	Watch       http.Handler
	History     History
	PublicURL   string
	SendTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	registry    Registry
	channel     Channel
	resolver    *netaddr.Resolver
	rateLimiter *ratelimit.RateLimiter
	watch       http.Handler
	history     History
	public      *url.URL
	sendTimeout time.Duration
	log         *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(opts Options) (*Server, error) {
	public, err := url.Parse(opts.PublicURL)
	if err != nil || public.Scheme == "" || public.Host == "" {
		return nil, errors.NewInvalidRequestError("public URL %q must be absolute", opts.PublicURL)
	}
	if opts.Resolver == nil {
		opts.Resolver = &netaddr.Resolver{Header: "X-Forwarded-For"}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("gateway")
	}
	return &Server{
		registry:    opts.Registry,
		channel:     opts.Channel,
		resolver:    opts.Resolver,
		rateLimiter: opts.Limiter,
		watch:       opts.Watch,
		history:     opts.History,
		public:      public,
		sendTimeout: opts.SendTimeout,
		log:         opts.Logger,
	}, nil
}

// Routes returns the gateway handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.SubmitJob)
		r.Get("/jobs", s.ListJobs)
		r.Get("/jobs/{id}", s.GetJobStatus)
		r.Get("/metrics", s.GetMetrics)
		if s.history != nil {
			r.Get("/history", s.ListHistory)
			r.Get("/history/{id}", s.GetHistory)
		}
	})
	if s.watch != nil {
		r.Handle("/ws", s.watch)
	}
	return r
}

// SubmitJob accepts a command, records it as pending and forwards it over
// the channel. The job exists only if forwarding succeeded.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := command.Parse(req.Command)
	if err != nil {
		s.fail(w, err)
		return
	}

	client := s.resolver.Resolve(r)
	if s.rateLimiter != nil && !s.rateLimiter.Allow(client) {
		s.log.Warnw("Client exceeded rate limit", logger.FieldClient, client)
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if s.channel.State() != channel.StateConnected {
		s.fail(w, errors.Wrap(errors.ErrServiceUnavailable, "channel is not connected"))
		return
	}

	line := cmd.String()
	jobID := s.registry.Create(line, client)

	ctx, cancel := context.WithTimeout(r.Context(), s.sendTimeout)
	defer cancel()
	epoch, err := s.channel.Send(ctx, jobID, line)
	if err != nil {
		s.registry.Remove(jobID, registry.NotForwardedReason)
		s.log.Warnw("Failed to forward command",
			logger.FieldJobID, jobID,
			logger.FieldClient, client,
			logger.FieldError, err)
		if errors.IsRetryableChannelError(err) || errors.IsAny(err, context.DeadlineExceeded, context.Canceled) {
			err = errors.Wrapf(errors.ErrServiceUnavailable, "channel: %v", err)
		}
		s.fail(w, err)
		return
	}
	if err := s.registry.Bind(jobID, epoch); err != nil {
		s.log.Debugw("Could not bind job to session",
			logger.FieldJobID, jobID,
			logger.FieldEpoch, epoch,
			logger.FieldError, err)
	}

	state := models.StatePending
	if snap, ok := s.registry.Get(jobID); ok {
		state = snap.State
	}
	location := s.location(jobID)

	s.log.Infow("Job submitted",
		logger.FieldJobID, jobID,
		logger.FieldClient, client,
		logger.FieldCommand, cmd.Instruction,
		logger.FieldEpoch, epoch)

	w.Header().Set("Location", location)
	s.writeJSON(w, http.StatusAccepted, models.JobSubmitResponse{
		JobID:    jobID,
		State:    state,
		Location: location,
	})
}

// GetJobStatus returns job status
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok := s.registry.Get(jobID)
	if !ok {
		s.fail(w, errors.NewNotFoundError("job %s", jobID))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// ListJobs returns live jobs, newest first.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	state, client, limit, err := listParams(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs := s.registry.List(registry.Filter{State: state, Client: client, Limit: limit})
	s.writeJSON(w, http.StatusOK, jobs)
}

// GetMetrics returns registry counts and the channel state.
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.registry.Stats()
	m.Channel = string(s.channel.State())
	s.writeJSON(w, http.StatusOK, m)
}

// GetHistory returns a journaled job, including jobs already evicted from
// the registry.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	job, err := s.history.GetJobByID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// ListHistory returns journaled jobs, newest first.
func (s *Server) ListHistory(w http.ResponseWriter, r *http.Request) {
	state, client, limit, err := listParams(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.history.ListJobs(state, client, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func listParams(r *http.Request) (models.JobState, string, int, error) {
	q := r.URL.Query()
	state := models.JobState(q.Get("state"))
	if state != "" && !state.Valid() {
		return "", "", 0, errors.NewInvalidRequestError("unknown state %q", state)
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return "", "", 0, errors.NewInvalidRequestError("limit must be a positive integer")
		}
		limit = n
	}
	return state, q.Get("client"), limit, nil
}

// location renders the absolute poll URL for a job.
func (s *Server) location(jobID string) string {
	u := *s.public
	u.Path = path.Join("/", u.Path, "api", "jobs", jobID)
	u.RawQuery = ""
	u.Fragment = ""
	return netaddr.NormalizeURL(&u)
}

// fail maps err onto a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsServiceUnavailableError(err), errors.IsRetryableChannelError(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Errorw("Request failed", logger.FieldError, err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debugw("Handled request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			"duration", time.Since(start))
	})
}
