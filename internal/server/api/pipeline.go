package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ayusman/fingerspell/internal/app"
	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/pipeline"
)

// Controller starts and stops recognition and switches the camera.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	SetFacing(f capture.Facing) error
	Facing() capture.Facing
	Stats() app.Stats
}

// PipelineHandler serves the recognition control endpoints:
//
//	GET  /api/status
//	POST /api/pipeline/start
//	POST /api/pipeline/stop
//	GET  /api/camera/facing
//	POST /api/camera/facing
type PipelineHandler struct {
	ctl Controller
	mux *http.ServeMux
}

// NewPipelineHandler creates a new PipelineHandler for ctl.
func NewPipelineHandler(ctl Controller) *PipelineHandler {
	h := &PipelineHandler{ctl: ctl, mux: http.NewServeMux()}
	h.mux.HandleFunc("/api/status", h.status)
	h.mux.HandleFunc("/api/pipeline/start", h.start)
	h.mux.HandleFunc("/api/pipeline/stop", h.stop)
	h.mux.HandleFunc("/api/camera/facing", h.facing)
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *PipelineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type facingRequest struct {
	Facing string `json:"facing"`
}

type facingResponse struct {
	Facing capture.Facing `json:"facing"`
}

func (h *PipelineHandler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Stats())
}

func (h *PipelineHandler) start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.ctl.Start(r.Context()); err != nil {
		log.Printf("Failed to start recognition: %v", err)
		switch {
		case errors.Is(err, pipeline.ErrStartup):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, app.ErrClosed):
			writeError(w, http.StatusConflict, "Shutting down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Stats())
}

func (h *PipelineHandler) stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Stop always completes; a close error is reported but the pipeline is down.
	if err := h.ctl.Stop(); err != nil {
		log.Printf("Error stopping recognition: %v", err)
	}
	writeJSON(w, http.StatusOK, h.ctl.Stats())
}

func (h *PipelineHandler) facing(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, facingResponse{Facing: h.ctl.Facing()})
	case http.MethodPost:
		var req facingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		f, err := capture.ParseFacing(req.Facing)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Facing must be front or back")
			return
		}
		if err := h.ctl.SetFacing(f); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to set facing")
			return
		}
		writeJSON(w, http.StatusOK, facingResponse{Facing: f})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
