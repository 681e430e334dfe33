package api

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Action is a strategy-defined recommendation.
type Action string

const (
	ActionWait   Action = "wait"
	ActionCommit Action = "commit"
)

// DefaultTrustLevel is applied when a decision request omits trust_level.
const DefaultTrustLevel = 0.8

// HistoricalPoint is one observation of past demand or usage.
type HistoricalPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Params holds strategy-specific numeric configuration (e.g. commit_cost, step_cost).
type Params map[string]float64

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DecisionState is the mutable progress marker of a problem instance.
type DecisionState struct {
	CurrentStep int64   `json:"current_step"`
	CostPaid    float64 `json:"cost_paid"`
	Committed   bool    `json:"committed"`
	CommitStep  int64   `json:"commit_step,omitempty"`
}

// ProblemInstance is a tracked decision problem. Everything except State and
// Version is immutable after creation.
type ProblemInstance struct {
	ID          string        `json:"problem_id"`
	UserID      string        `json:"user_id"`
	ProblemType string        `json:"problem_type"`
	Params      Params        `json:"problem_params"`
	State       DecisionState `json:"decision_state"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Forecast is a normalized prediction with a symmetric uncertainty half-width.
type Forecast struct {
	PointEstimate float64   `json:"point_estimate"`
	Uncertainty   float64   `json:"uncertainty"`
	AsOf          time.Time `json:"as_of"`
	// Degraded marks a placeholder forecast used by the robust fallback.
	Degraded bool `json:"degraded,omitempty"`
}

// DecisionResult is produced once per decide call and never mutated.
type DecisionResult struct {
	DecisionID  string    `json:"decision_id"`
	ProblemID   string    `json:"problem_id"`
	Action      Action    `json:"action"`
	Prediction  float64   `json:"prediction"`
	Uncertainty float64   `json:"uncertainty"`
	Guarantee   float64   `json:"guarantee"`
	TrustLevel  float64   `json:"trust_level"`
	Step        int64     `json:"step"`
	Degraded    bool      `json:"degraded,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// PerformanceRecord is one realized outcome. Records are append-only.
type PerformanceRecord struct {
	ProblemID     string    `json:"problem_id"`
	Timestamp     time.Time `json:"timestamp"`
	AlgorithmCost float64   `json:"algorithm_cost"`
	OptimalCost   float64   `json:"optimal_cost"`
	RealizedRatio float64   `json:"realized_ratio"`
}

// PerformanceSummary aggregates the records of one problem instance.
type PerformanceSummary struct {
	TotalDecisions          int     `json:"total_decisions"`
	TotalSavings            float64 `json:"total_savings"`
	AverageCompetitiveRatio float64 `json:"average_competitive_ratio"`
}

// PerformanceReport is a summary together with the records it was folded from.
type PerformanceReport struct {
	Summary PerformanceSummary  `json:"metrics"`
	Records []PerformanceRecord `json:"records"`
}

// DecisionRequest is the inbound decide payload. ProblemID is optional; when
// empty a new instance is registered from ProblemType, ProblemParams and
// DecisionState.
type DecisionRequest struct {
	ProblemID      string            `json:"problem_id,omitempty"`
	UserID         string            `json:"user_id"`
	ProblemType    string            `json:"problem_type"`
	HistoricalData []HistoricalPoint `json:"historical_data"`
	ProblemParams  Params            `json:"problem_params"`
	DecisionState  *DecisionState    `json:"decision_state,omitempty"`
	TrustLevel     *float64          `json:"trust_level,omitempty"`
}

// Validate performs structural validation. Semantic checks (trust range,
// params, forecast data) happen in the engine so their errors stay typed.
func (r *DecisionRequest) Validate() error {
	if r.ProblemID == "" && strings.TrimSpace(r.ProblemType) == "" {
		return fmt.Errorf("%w: problem_type is required when problem_id is absent", ErrInvalidRequest)
	}
	if r.DecisionState != nil && r.DecisionState.CurrentStep < 0 {
		return fmt.Errorf("%w: decision_state.current_step must be non-negative", ErrInvalidRequest)
	}
	for i, p := range r.HistoricalData {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: historical_data[%d] value is not finite", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Trust returns the requested trust level or DefaultTrustLevel.
func (r *DecisionRequest) Trust() float64 {
	if r.TrustLevel == nil {
		return DefaultTrustLevel
	}
	return *r.TrustLevel
}

// RegisterRequest creates a problem instance without deciding.
type RegisterRequest struct {
	UserID        string         `json:"user_id"`
	ProblemType   string         `json:"problem_type"`
	ProblemParams Params         `json:"problem_params"`
	DecisionState *DecisionState `json:"decision_state,omitempty"`
}

// Validate performs structural validation.
func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.ProblemType) == "" {
		return fmt.Errorf("%w: problem_type is required", ErrInvalidRequest)
	}
	if r.DecisionState != nil && r.DecisionState.CurrentStep < 0 {
		return fmt.Errorf("%w: decision_state.current_step must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// DecisionResponse is the outbound decide payload.
type DecisionResponse struct {
	Action      Action  `json:"action"`
	Prediction  float64 `json:"prediction"`
	Uncertainty float64 `json:"uncertainty"`
	Guarantee   float64 `json:"guarantee"`
	ProblemID   string  `json:"problem_id"`
	Degraded    bool    `json:"degraded,omitempty"`
}

// NewDecisionResponse projects a DecisionResult onto the wire shape.
func NewDecisionResponse(res DecisionResult) DecisionResponse {
	return DecisionResponse{
		Action:      res.Action,
		Prediction:  res.Prediction,
		Uncertainty: res.Uncertainty,
		Guarantee:   res.Guarantee,
		ProblemID:   res.ProblemID,
		Degraded:    res.Degraded,
	}
}

// OutcomeRequest records a realized outcome. Either both costs or
// ActualOutcome (the realized usage horizon) must be set.
type OutcomeRequest struct {
	AlgorithmCost *float64 `json:"algorithm_cost,omitempty"`
	OptimalCost   *float64 `json:"optimal_cost,omitempty"`
	ActualOutcome *float64 `json:"actual_outcome,omitempty"`
}

// Validate checks that exactly one form of outcome was supplied.
func (r *OutcomeRequest) Validate() error {
	costs := r.AlgorithmCost != nil || r.OptimalCost != nil
	switch {
	case costs && r.ActualOutcome != nil:
		return fmt.Errorf("%w: give either costs or actual_outcome, not both", ErrInvalidRequest)
	case costs && (r.AlgorithmCost == nil || r.OptimalCost == nil):
		return fmt.Errorf("%w: algorithm_cost and optimal_cost must both be set", ErrInvalidRequest)
	case !costs && r.ActualOutcome == nil:
		return fmt.Errorf("%w: outcome is empty", ErrInvalidRequest)
	}
	return nil
}

// PerformanceMetrics is the metrics block of a performance response.
type PerformanceMetrics struct {
	TotalDecisions          int     `json:"total_decisions"`
	TotalSavings            float64 `json:"total_savings"`
	AverageCompetitiveRatio float64 `json:"average_competitive_ratio"`
}

// DecisionCost is one row of a performance response.
type DecisionCost struct {
	Timestamp   time.Time `json:"timestamp"`
	Cost        float64   `json:"cost"`
	OptimalCost float64   `json:"optimal_cost"`
}

// PerformanceResponse is the outbound performance query payload.
type PerformanceResponse struct {
	Metrics   PerformanceMetrics `json:"metrics"`
	Decisions []DecisionCost     `json:"decisions"`
}

// NewPerformanceResponse projects a report onto the wire shape.
func NewPerformanceResponse(rep PerformanceReport) PerformanceResponse {
	out := PerformanceResponse{
		Metrics: PerformanceMetrics{
			TotalDecisions:          rep.Summary.TotalDecisions,
			TotalSavings:            rep.Summary.TotalSavings,
			AverageCompetitiveRatio: rep.Summary.AverageCompetitiveRatio,
		},
		Decisions: make([]DecisionCost, 0, len(rep.Records)),
	}
	for _, rec := range rep.Records {
		out.Decisions = append(out.Decisions, DecisionCost{
			Timestamp:   rec.Timestamp,
			Cost:        rec.AlgorithmCost,
			OptimalCost: rec.OptimalCost,
		})
	}
	return out
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
