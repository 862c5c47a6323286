package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tierroute/tierroute/internal/classifier"
	"github.com/tierroute/tierroute/pkg/models"
)

// ClassifierHandlers serves the standalone classifier service.
type ClassifierHandlers struct {
	Classifier    *classifier.Classifier
	MaxTextLength int
}

// NewClassifier creates ClassifierHandlers.
func NewClassifier(c *classifier.Classifier, maxTextLength int) *ClassifierHandlers {
	return &ClassifierHandlers{Classifier: c, MaxTextLength: maxTextLength}
}

// Predict classifies one text.
// POST /predict
func (h *ClassifierHandlers) Predict(w http.ResponseWriter, r *http.Request) {
	var req models.ClassifyRequest
	limit := bodyLimit(h.MaxTextLength)
	if err := decodeJSON(w, r, &req, limit); err != nil {
		if tooLarge(err) {
			respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("request body exceeds %d bytes", limit))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-Id")
	}
	if req.RequestID != "" {
		w.Header().Set("X-Request-Id", req.RequestID)
	}

	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}
	if h.MaxTextLength > 0 && utf8.RuneCountInString(req.Text) > h.MaxTextLength {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("text exceeds %d characters", h.MaxTextLength))
		return
	}

	respondJSON(w, http.StatusOK, h.Classifier.Classify(req.Text, req.Metadata))
}

// Healthz reports liveness and the active thresholds.
// GET /healthz
func (h *ClassifierHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	th := h.Classifier.Thresholds()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"thresholds": map[string]int{
			"simple_max":    th.SimpleMax,
			"medium_max":    th.MediumMax,
			"medium_score":  th.MediumScore,
			"complex_score": th.ComplexScore,
		},
	})
}
