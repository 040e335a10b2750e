// Package mlclient calls the external ML scoring service with a bounded
// timeout and retry, degrading to a local heuristic fallback on failure.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/merlin/internal/domain"
)

var tracer = otel.Tracer("merlin-mlclient")

// FallbackModelVersion marks scores produced by the local heuristic.
const FallbackModelVersion = "fallback_v1"

const (
	maxRetries     = 2
	retryBackoff   = time.Second
	defaultTimeout = 5 * time.Second
)

// Client scores transactions against the external ML service.
// GetScore never fails: any service problem resolves to the fallback score,
// so the pipeline cannot abort due to ML unavailability.
type Client struct {
	cfg        domain.MLServiceConfig
	httpClient *http.Client

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an ML scoring client.
func NewClient(cfg domain.MLServiceConfig) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		sleep: sleepCtx,
	}
}

// Enabled reports whether an ML service endpoint is configured.
// When false, the evaluator treats the ML signal as absent and the
// aggregator renormalizes over the remaining weights.
func (c *Client) Enabled() bool {
	return c.cfg.ServiceURL != ""
}

// GetScore returns the ML risk score for a transaction.
// recent10m is the user's transaction count in the trailing 10 minutes.
//
// A per-attempt deadline bounds the call. Timeout is terminal: the client
// falls straight to the fallback. Other failures are retried up to twice
// with ~1s backoff before falling back.
func (c *Client) GetScore(ctx context.Context, tx *domain.Transaction, baseline *domain.UserBaseline, recent10m int) *domain.MLScoreResponse {
	ctx, span := tracer.Start(ctx, "mlclient.GetScore")
	defer span.End()

	req := c.buildRequest(tx, baseline, recent10m)

	for attempt := 0; ; attempt++ {
		resp, err := c.call(ctx, req)
		if err == nil {
			span.SetAttributes(
				attribute.Float64("ml.score", resp.MLScore),
				attribute.String("ml.model_version", resp.ModelVersion),
			)
			return resp
		}

		if isTimeout(err) {
			slog.Warn("ML service call timed out, using fallback score",
				"transaction_id", tx.ID,
				"attempt", attempt+1,
			)
			break
		}

		if attempt >= maxRetries {
			slog.Warn("ML service call failed, using fallback score",
				"transaction_id", tx.ID,
				"attempts", attempt+1,
				"error", err,
			)
			break
		}

		if err := c.sleep(ctx, retryBackoff); err != nil {
			break
		}
	}

	fb := c.fallbackScore(tx, baseline)
	span.SetAttributes(
		attribute.Float64("ml.score", fb.MLScore),
		attribute.String("ml.model_version", fb.ModelVersion),
	)
	return fb
}

// buildRequest assembles the feature vector for the scoring service.
// Distance is a binary proxy: 0 when state and country match the last
// transaction, a fixed large value otherwise.
func (c *Client) buildRequest(tx *domain.Transaction, baseline *domain.UserBaseline, recent10m int) *domain.MLScoreRequest {
	distanceKm := 0.0
	if baseline.LastTransactionState != "" {
		if tx.LocationState != baseline.LastTransactionState ||
			tx.LocationCountry != baseline.LastTransactionCountry {
			distanceKm = 1000.0
		}
	}

	isNewDevice := 0
	if !baseline.KnowsDevice(tx.DeviceID) {
		isNewDevice = 1
	}
	isNewMerchant := 0
	if !baseline.KnowsMerchant(tx.MerchantID) {
		isNewMerchant = 1
	}

	return &domain.MLScoreRequest{
		Amount:             tx.Amount.InexactFloat64(),
		HourOfDay:          tx.Hour(),
		Velocity10m:        recent10m,
		DistanceFromLastKm: distanceKm,
		IsNewDevice:        isNewDevice,
		IsNewMerchant:      isNewMerchant,
		MerchantCategory:   tx.MerchantCategory,
	}
}

// call performs a single scoring request.
func (c *Client) call(ctx context.Context, req *domain.MLScoreRequest) (*domain.MLScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("ML service returned status %d", httpResp.StatusCode)
	}

	var resp domain.MLScoreResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("malformed ML service response: %w", err)
	}
	if resp.MLScore < 0 || resp.MLScore > 1 {
		return nil, fmt.Errorf("ML score %f out of range [0,1]", resp.MLScore)
	}

	return &resp, nil
}

// fallbackScore computes the local heuristic substitute. Never fails.
func (c *Client) fallbackScore(tx *domain.Transaction, baseline *domain.UserBaseline) *domain.MLScoreResponse {
	score := 0.0
	if baseline.TransactionCount == 0 {
		score = 0.5
	} else {
		if !baseline.StdAmount.IsZero() {
			z := tx.Amount.Sub(baseline.AvgAmount).Div(baseline.StdAmount).InexactFloat64()
			score += math.Min(0.4, math.Abs(z)/10.0)
		}
		if !baseline.KnowsDevice(tx.DeviceID) {
			score += 0.2
		}
	}

	return &domain.MLScoreResponse{
		MLScore:      math.Min(1.0, score),
		ModelVersion: FallbackModelVersion,
	}
}

// isTimeout reports whether err is a deadline expiry rather than a
// retryable transport failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
