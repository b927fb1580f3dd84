// Package dispatch forwards admitted jobs to the executor service that
// performs the actual scrape.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reelcher/metering/internal/queue"
)

const defaultRequestTimeout = 30 * time.Second

// jobEnvelope is the wire form of a dispatched job.
type jobEnvelope struct {
	JobID          string          `json:"job_id"`
	UserID         string          `json:"user_id"`
	Platform       string          `json:"platform"`
	SearchType     string          `json:"search_type"`
	RequestedUnits int             `json:"requested_units"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// HTTPDispatcher posts admitted jobs to an executor endpoint. The executor
// reports the outcome back through the jobs API when the scrape finishes.
type HTTPDispatcher struct {
	executorURL string
	client      *http.Client
	logger      *zap.Logger
}

// NewHTTPDispatcher constructs a dispatcher targeting executorURL.
func NewHTTPDispatcher(executorURL string, logger *zap.Logger) *HTTPDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDispatcher{
		executorURL: executorURL,
		client:      &http.Client{Timeout: defaultRequestTimeout},
		logger:      logger,
	}
}

// Dispatch sends the job to the executor. A non-2xx response is a dispatch
// failure and routes the job through its retry policy.
func (dispatcher *HTTPDispatcher) Dispatch(ctx context.Context, job queue.Job) error {
	envelope := jobEnvelope{
		JobID:          job.ID.String(),
		UserID:         job.UserID.String(),
		Platform:       string(job.Platform),
		SearchType:     string(job.SearchType),
		RequestedUnits: job.RequestedUnits,
		Params:         job.Params,
	}
	body, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, dispatcher.executorURL, bytes.NewReader(body))
	if requestErr != nil {
		return fmt.Errorf("build dispatch request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")
	response, doErr := dispatcher.client.Do(request)
	if doErr != nil {
		return fmt.Errorf("dispatch job %s: %w", job.ID, doErr)
	}
	defer func() {
		io.Copy(io.Discard, response.Body)
		response.Body.Close()
	}()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("dispatch job %s: executor returned %d", job.ID, response.StatusCode)
	}
	dispatcher.logger.Debug("dispatched job",
		zap.String("job_id", job.ID.String()),
		zap.String("platform", string(job.Platform)))
	return nil
}
