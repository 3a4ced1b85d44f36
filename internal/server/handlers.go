package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/history"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/predict"
)

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Model       string `json:"model,omitempty"`
	Epoch       int    `json:"epoch,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if p := s.predictor(); p != nil {
		resp.ModelLoaded = true
		resp.Model = p.Path()
		resp.Epoch = p.Meta().Epoch
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) labels(w http.ResponseWriter, r *http.Request) {
	labels := s.cfg.Predict.Labels
	if p := s.predictor(); p != nil {
		labels = p.Labels()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"labels": labels})
}

func (s *Server) predictImage(w http.ResponseWriter, r *http.Request) {
	p, gen := s.current()
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "no trained model is loaded")
		return
	}

	limit := int64(s.cfg.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	key := cacheKey(gen, data)
	if cached, ok := s.cache.Get(key); ok {
		res := cached.Clone()
		res.Source = header.Filename
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := p.PredictBytes(data)
	if err != nil {
		var de *imageio.DecodeError
		if errors.As(err, &de) {
			writeError(w, http.StatusBadRequest, "invalid image: "+de.Err.Error())
			return
		}
		s.log.Error("prediction failed", zap.String("file", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}
	s.cache.Add(key, res.Clone())
	res.Source = header.Filename
	s.record(r, res, p)

	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) record(r *http.Request, res *predict.Result, p *predict.Predictor) {
	if s.history == nil {
		return
	}
	err := s.history.RecordPrediction(r.Context(), history.PredictionRecord{
		Source:     "http",
		Input:      res.Source,
		Stage:      res.Stage,
		Present:    res.Present,
		Confidence: res.Confidence,
		ModelPath:  p.Path(),
	})
	if err != nil {
		s.log.Warn("history write failed", zap.Error(err))
	}
}
