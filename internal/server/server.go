package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"slothify/internal/artifacts"
	"slothify/internal/imaging"
	"slothify/internal/pipeline"
	"slothify/internal/stage"
	"slothify/internal/storage"
)

// Server exposes the executor over HTTP: item submission, history,
// artifact status and a websocket progress stream.
type Server struct {
	addr      string
	store     *storage.Store
	artifacts *artifacts.Store
	executor  *pipeline.Executor
	defaults  stage.Options
	outputDir string
	log       *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
}

func New(addr string, store *storage.Store, arts *artifacts.Store, exec *pipeline.Executor, defaults stage.Options, outputDir string, log *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		artifacts: arts,
		executor:  exec,
		defaults:  defaults,
		outputDir: outputDir,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/items", s.handleItems).Methods("GET")
	r.HandleFunc("/artifacts", s.handleArtifacts).Methods("GET")
	r.HandleFunc("/process", s.handleProcess).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentItems(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.artifacts.Statuses())
}

// processRequest is the submission payload. Omitted option fields keep
// the server's configured defaults.
type processRequest struct {
	Inputs    string   `json:"input,omitempty"`
	InputList []string `json:"inputs,omitempty"`
	OutputDir string   `json:"output_dir,omitempty"`

	Width            *int     `json:"width,omitempty"`
	Height           *int     `json:"height,omitempty"`
	Model            string   `json:"model,omitempty"`
	Scale            *int     `json:"scale,omitempty"`
	RemoveBackground *bool    `json:"remove_background,omitempty"`
	Background       string   `json:"background,omitempty"`
	ToneCorrection   *bool    `json:"tone_correction,omitempty"`
	Derivatives      *bool    `json:"derivatives,omitempty"`
	ClipLimit        *float64 `json:"clip_limit,omitempty"`
	TileSize         *int     `json:"tile_size,omitempty"`
}

type processResponse struct {
	ItemIDs []string `json:"item_ids"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	inputs := req.InputList
	if req.Inputs != "" {
		inputs = append(inputs, req.Inputs)
	}
	if len(inputs) == 0 {
		http.Error(w, "no inputs given", http.StatusBadRequest)
		return
	}

	opts, err := s.buildOptions(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outDir := req.OutputDir
	if outDir == "" {
		outDir = s.outputDir
	}

	var ids []string
	for _, input := range inputs {
		id, err := s.executor.Submit(pipeline.Item{
			InputPath: input,
			OutputDir: outDir,
			Opts:      opts,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		ids = append(ids, id)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(processResponse{ItemIDs: ids})
}

func (s *Server) buildOptions(req *processRequest) (*stage.Options, error) {
	opts := s.defaults
	if req.Width != nil {
		opts.OutputWidth = *req.Width
	}
	if req.Height != nil {
		opts.OutputHeight = *req.Height
	}
	if req.Model != "" {
		opts.ModelName = req.Model
	}
	if req.Scale != nil {
		opts.Scale = *req.Scale
	}
	if req.RemoveBackground != nil {
		opts.RemoveBackground = *req.RemoveBackground
	}
	if req.Background != "" {
		bg, err := imaging.ParseBackground(req.Background)
		if err != nil {
			return nil, err
		}
		opts.Background = bg
	}
	if req.ToneCorrection != nil {
		opts.ToneCorrection = *req.ToneCorrection
	}
	if req.Derivatives != nil {
		opts.Derivatives = *req.Derivatives
	}
	if req.ClipLimit != nil {
		opts.ClipLimit = *req.ClipLimit
	}
	if req.TileSize != nil {
		opts.TileSize = *req.TileSize
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// handleStream upgrades to a websocket and forwards executor events
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.executor.Subscribe()
	defer unsubscribe()

	// Reader goroutine detects client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
