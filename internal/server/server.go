package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"floortrader/internal/coordinator"
	"floortrader/internal/observability"
	"floortrader/internal/pipeline"
)

// Deps holds everything the ops surfaces need.
type Deps struct {
	ControlStore  coordinator.ControlStore
	ControlCache  coordinator.ControlCache
	Scheduler     pipeline.Scheduler
	HealthChecker *observability.HealthChecker
}

// Server exposes the operational surfaces: a gRPC health service for
// load balancers and an HTTP mux with metrics, liveness/readiness, and
// task-control endpoints. Strategy and query APIs are out of scope;
// this is plumbing for running the thing, not for reading it.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	grpcAddr   string
	httpAddr   string
	deps       Deps
	log        zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		log:        log,
	}
}

// SetServing flips the gRPC health status once startup completes.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", status)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the ops HTTP server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	mux.HandleFunc("/tasks/stop", s.handleStopTask)
	mux.HandleFunc("/tasks/status", s.handleTaskStatus)
	mux.HandleFunc("/tasks/schedule", s.handleScheduleTask)

	srv := &http.Server{Addr: s.httpAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// handleStopTask requests a cooperative stop of a running task. The
// transition lands in the durable store first, then the cache, so the
// executor observes it within one check interval.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskName    string `json:"task_name"`
		InstanceKey string `json:"instance_key"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskName == "" || req.InstanceKey == "" {
		http.Error(w, "task_name and instance_key are required", http.StatusBadRequest)
		return
	}

	err := coordinator.RequestStop(r.Context(), s.deps.ControlStore, s.deps.ControlCache,
		req.TaskName, req.InstanceKey, req.Message)
	if err != nil {
		s.log.Error().Err(err).Str("task", req.TaskName+"."+req.InstanceKey).Msg("stop request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop_requested"})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskName := r.URL.Query().Get("task_name")
	instanceKey := r.URL.Query().Get("instance_key")
	if taskName == "" || instanceKey == "" {
		http.Error(w, "task_name and instance_key are required", http.StatusBadRequest)
		return
	}

	rec, err := s.deps.ControlStore.Get(r.Context(), taskName, instanceKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleScheduleTask enqueues a task onto the worker queue.
func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Task    string          `json:"task"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	if err := s.deps.Scheduler.Schedule(r.Context(), req.Task, req.Payload); err != nil {
		s.log.Error().Err(err).Str("task", req.Task).Msg("schedule failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
