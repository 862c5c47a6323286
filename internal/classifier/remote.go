package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

// ErrMalformedDecision is returned when the collaborator answers 2xx with a
// body that is not a usable decision.
var ErrMalformedDecision = errors.New("classifier: malformed decision")

// DefaultRemoteTimeout bounds one call to the classifier collaborator.
const DefaultRemoteTimeout = 8 * time.Second

// Remote calls a classifier collaborator over HTTP. It does not retry;
// retries are the collaborator's own concern.
type Remote struct {
	url     string
	doer    transport.Doer
	timeout time.Duration
}

// NewRemote returns a client for the /predict endpoint at url.
func NewRemote(url string, doer transport.Doer, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Remote{url: url, doer: doer, timeout: timeout}
}

type remoteDecision struct {
	Tier      *string `json:"tier"`
	TokensEst *int    `json:"tokens_est"`
	Reason    string  `json:"reason"`
	Score     *int    `json:"score"`
}

// Classify posts the request and decodes the decision. The tier is passed
// through unvalidated so the caller can tell an unknown tier apart from an
// unreachable classifier. A missing score is reported as 0.
func (r *Remote) Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassificationDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("classifier: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("classifier: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}

	httpResp, err := r.doer.Do(httpReq)
	if err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("classifier: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return models.ClassificationDecision{}, fmt.Errorf("classifier: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var rd remoteDecision
	if err := json.NewDecoder(httpResp.Body).Decode(&rd); err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if rd.Tier == nil || *rd.Tier == "" {
		return models.ClassificationDecision{}, fmt.Errorf("%w: missing tier", ErrMalformedDecision)
	}
	if rd.TokensEst == nil || *rd.TokensEst < 1 {
		return models.ClassificationDecision{}, fmt.Errorf("%w: missing or invalid tokens_est", ErrMalformedDecision)
	}

	score := 0
	if rd.Score != nil {
		if *rd.Score < 0 {
			return models.ClassificationDecision{}, fmt.Errorf("%w: negative score", ErrMalformedDecision)
		}
		score = *rd.Score
	}

	return models.ClassificationDecision{
		Tier:           models.Tier(*rd.Tier),
		TokensEstimate: *rd.TokensEst,
		Score:          score,
		Reason:         models.Reason(rd.Reason),
	}, nil
}
