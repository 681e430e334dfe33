package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
)

const maxPredictorResponse = 1 << 20

// HTTPPredictor calls a remote prediction service:
//
//	POST <url>  {"historical_data": [{"timestamp": ..., "value": ...}]}
//	200         {"point_estimate": 720, "uncertainty": 50}
type HTTPPredictor struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPPredictor creates a client for the prediction service at url. token
// is sent as a bearer credential when non-empty.
func NewHTTPPredictor(url, token string, httpClient *http.Client) *HTTPPredictor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPPredictor{url: url, token: token, httpClient: httpClient}
}

type predictRequest struct {
	HistoricalData []api.HistoricalPoint `json:"historical_data"`
}

type predictResponse struct {
	PointEstimate *float64 `json:"point_estimate"`
	Uncertainty   *float64 `json:"uncertainty"`
}

func (p *HTTPPredictor) Predict(ctx context.Context, history []api.HistoricalPoint) (Prediction, error) {
	body, err := json.Marshal(predictRequest{HistoricalData: history})
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal history: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Prediction{}, ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Prediction{}, fmt.Errorf("%w: %v", api.ErrForecastTimeout, err)
		}
		return Prediction{}, fmt.Errorf("%w: %v", api.ErrPredictorUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxPredictorResponse))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: failed to read response: %v", api.ErrPredictorUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("%w: status %d: %s", api.ErrPredictorUnavailable, resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out predictResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Prediction{}, fmt.Errorf("%w: malformed response: %v", api.ErrInvalidForecast, err)
	}
	if out.PointEstimate == nil || out.Uncertainty == nil {
		return Prediction{}, fmt.Errorf("%w: response missing point_estimate or uncertainty", api.ErrInvalidForecast)
	}

	return Prediction{PointEstimate: *out.PointEstimate, Uncertainty: *out.Uncertainty}, nil
}
