package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/geoyee/tilevault/internal/config"
	"github.com/geoyee/tilevault/internal/discovery"
	"github.com/geoyee/tilevault/internal/download"
	"github.com/geoyee/tilevault/internal/engine"
	"github.com/geoyee/tilevault/internal/logging"
	"github.com/geoyee/tilevault/internal/model"
)

type DownloadRequest struct {
	ID          string   `json:"id,omitempty"`
	Source      string   `json:"source"`
	KeyTemplate string   `json:"key_template,omitempty"`
	Family      string   `json:"family,omitempty"`
	Layer       string   `json:"layer,omitempty"`
	Licensed    bool     `json:"licensed,omitempty"`
	MinLon      *float64 `json:"min_lon"`
	MinLat      *float64 `json:"min_lat"`
	MaxLon      *float64 `json:"max_lon"`
	MaxLat      *float64 `json:"max_lat"`
	MinZoom     int      `json:"min_zoom,omitempty"`
	MaxZoom     *int     `json:"max_zoom,omitempty"`
	TileSize    int      `json:"tile_size,omitempty"`
	Workers     int      `json:"workers,omitempty"`
}

// ToEngine validates the presence of required fields and converts r.
func (r *DownloadRequest) ToEngine() (*engine.DownloadRequest, error) {
	if r.Source == "" {
		return nil, errors.New("source is required")
	}
	if r.MinLon == nil || r.MaxLon == nil || r.MinLat == nil || r.MaxLat == nil {
		return nil, errors.New("min_lon, max_lon, min_lat, max_lat are required")
	}
	maxZoom := 18
	if r.MaxZoom != nil {
		maxZoom = *r.MaxZoom
	}
	return &engine.DownloadRequest{
		Source:      r.Source,
		KeyTemplate: r.KeyTemplate,
		Family:      r.Family,
		Layer:       r.Layer,
		Licensed:    r.Licensed,
		Bound:       orb.Bound{Min: orb.Point{*r.MinLon, *r.MinLat}, Max: orb.Point{*r.MaxLon, *r.MaxLat}},
		MinZoom:     r.MinZoom,
		MaxZoom:     maxZoom,
		TileSize:    r.TileSize,
		Workers:     r.Workers,
	}, nil
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// MapView is the JSON form of a map.
type MapView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Root            string `json:"root"`
	Origin          string `json:"origin"`
	Levels          int    `json:"levels"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	MissingTiles    int64  `json:"missing_tiles_count"`
	LastRepairDate  *int64 `json:"last_repair_date,omitempty"`
	LastUpdateDate  *int64 `json:"last_update_date,omitempty"`
	DownloadPending bool   `json:"download_pending"`
	Size            string `json:"size,omitempty"`
}

func newMapView(m *model.Map) MapView {
	desc := m.Descriptor()
	v := MapView{
		ID:              desc.ID.String(),
		Name:            desc.Name,
		Root:            m.Root(),
		Origin:          string(desc.Origin),
		Levels:          len(desc.Levels),
		Width:           desc.Size.Width,
		Height:          desc.Size.Height,
		MissingTiles:    m.MissingTilesCount(),
		LastRepairDate:  m.LastRepairDate(),
		LastUpdateDate:  m.LastUpdateDate(),
		DownloadPending: m.DownloadPending(),
	}
	if size := m.SizeInBytes(); size != nil {
		v.Size = humanize.Bytes(uint64(*size))
	}
	return v
}

type Server struct {
	engine      *engine.Engine
	taskManager *TaskManager
	gatherer    prometheus.Gatherer
	port        int
	corsOrigins []string
	logger      *zap.Logger
	// ctx is the parent of every task context.
	ctx context.Context
}

func NewServer(eng *engine.Engine, gatherer prometheus.Gatherer, port int, corsOrigins []string) *Server {
	return &Server{
		engine:      eng,
		taskManager: NewTaskManager(),
		gatherer:    gatherer,
		port:        port,
		corsOrigins: corsOrigins,
		logger:      eng.Logger.Named("service"),
		ctx:         context.Background(),
	}
}

// Handler returns the routed, CORS-enabled API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/status/", s.handleStatus)
	mux.HandleFunc("/api/stop/", s.handleStop)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/delete/", s.handleDelete)
	mux.HandleFunc("/api/discover", s.handleDiscover)
	mux.HandleFunc("/api/seek", s.handleSeek)
	mux.HandleFunc("/api/ledger", s.handleLedger)
	mux.HandleFunc("/api/ledger/repair", s.handleLedgerRecord)
	mux.HandleFunc("/api/ledger/update", s.handleLedgerRecord)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

// Start serves until ctx is done, then stops running tasks and shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("tile download service starting", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.taskManager.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("cannot write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, APIResponse{Success: false, Message: message})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "healthy", "time": time.Now().Format(time.RFC3339)},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	engineReq, err := req.ToEngine()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.engine.Plan(engineReq)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := req.ID
	if taskID == "" {
		taskID = fmt.Sprintf("task_%d", time.Now().UnixNano())
	}
	task, ok := s.taskManager.CreateTask(taskID, engineReq, job.TotalTiles)
	if !ok {
		s.respondError(w, http.StatusConflict, fmt.Sprintf("Task %s already exists", taskID))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	task.mu.Lock()
	task.Status = StatusRunning
	task.StartTime = time.Now()
	task.cancelFunc = cancel
	task.mu.Unlock()

	go s.runDownloadTask(ctx, task)

	s.respondJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Download task created",
		Data:    map[string]interface{}{"task_id": taskID, "total": job.TotalTiles},
	})
}

func (s *Server) runDownloadTask(ctx context.Context, task *Task) {
	feed := download.NewProgressFeed()
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for p := range feed.C() {
			task.setProgress(p)
		}
	}()

	outcome, err := s.engine.Download(ctx, task.Request, feed)
	<-progressDone

	task.mu.Lock()
	defer task.mu.Unlock()
	task.EndTime = time.Now()
	task.cancelFunc = nil
	if err != nil {
		task.Status = StatusFailed
		task.Error = err.Error()
		s.logger.Warn("download task failed", zap.String("task", task.ID), zap.Error(err))
		return
	}

	task.Root = outcome.DestinationRoot
	task.MapID = outcome.Map.ID().String()
	task.MissingTiles = outcome.MissingTileCount
	if outcome.Cancelled {
		task.Status = StatusStopped
		return
	}
	task.Status = StatusComplete
	task.Progress = 100
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/status/")
	if taskID == "" {
		s.respondError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, ok := s.taskManager.GetTask(taskID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: task.View()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/stop/")
	if taskID == "" {
		s.respondError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, ok := s.taskManager.GetTask(taskID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}

	if status, stopped := task.Stop(); !stopped {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Task is not running (current status: %s)", status))
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Task stopped"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	tasks := s.taskManager.ListTasks()
	result := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		result = append(result, task.View())
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: result})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodDelete) {
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/delete/")
	if taskID == "" {
		s.respondError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	if !s.taskManager.DeleteTask(taskID) {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Task deleted"})
}

type discoverRequest struct {
	Roots []string `json:"roots"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.Roots) == 0 {
		req.Roots = []string{s.engine.Config.AppDir}
	}

	maps := s.engine.Discover(r.Context(), req.Roots)
	views := make([]MapView, 0, len(maps))
	for _, m := range maps {
		views = append(views, newMapView(m))
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: views})
}

type seekRequest struct {
	Folder string `json:"folder"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Folder == "" {
		s.respondError(w, http.StatusBadRequest, "folder is required")
		return
	}

	m, status, err := s.engine.Seek(r.Context(), req.Folder)
	if err != nil {
		var seekErr *discovery.SeekError
		if errors.As(err, &seekErr) {
			s.respondJSON(w, http.StatusUnprocessableEntity, APIResponse{
				Success: false,
				Message: err.Error(),
				Data:    map[string]string{"issue": seekErr.Issue.String()},
			})
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"status": status.String(), "map": newMapView(m)},
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	root := r.URL.Query().Get("root")
	if root == "" {
		s.respondError(w, http.StatusBadRequest, "root is required")
		return
	}
	m, err := s.engine.OpenMap(root)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: newMapView(m)})
}

type ledgerRequest struct {
	Root    string `json:"root"`
	Missing int64  `json:"missing_tiles_count"`
}

func (s *Server) handleLedgerRecord(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req ledgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Root == "" {
		s.respondError(w, http.StatusBadRequest, "root is required")
		return
	}

	record := s.engine.RecordRepair
	if strings.HasSuffix(r.URL.Path, "/update") {
		record = s.engine.RecordUpdate
	}
	m, err := record(req.Root, req.Missing)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: newMapView(m)})
}

func main() {
	cfg, err := config.Load(".env", ".env.local")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(cfg, logger, reg)
	if err != nil {
		logger.Fatal("cannot build engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(eng, reg, cfg.Port, cfg.CORSOrigins)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
