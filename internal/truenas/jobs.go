package truenas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
)

// Job states reported by core.get_jobs.
const (
	JobWaiting = "WAITING"
	JobRunning = "RUNNING"
	JobSuccess = "SUCCESS"
	JobFailed  = "FAILED"
	JobAborted = "ABORTED"
)

// Job is one middleware job record.
type Job struct {
	ID     int64
	Method string
	State  string
	Error  string
	Result json.RawMessage
}

var errJobPending = errors.New("job still pending")

// QueryJobs returns jobs matching filters (middleware query-filter syntax).
func (c *Client) QueryJobs(ctx context.Context, filters []any) ([]Job, error) {
	if filters == nil {
		filters = []any{}
	}
	var records []map[string]any
	if err := c.Call(ctx, "core.get_jobs", &records, filters); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(records))
	for _, record := range records {
		id, _ := parseInt64Any(record["id"])
		job := Job{
			ID:     id,
			Method: readStringAny(record, "method"),
			State:  strings.ToUpper(readStringAny(record, "state")),
			Error:  readStringAny(record, "error"),
		}
		if raw, err := json.Marshal(record["result"]); err == nil {
			job.Result = raw
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// AbortJob aborts a queued or running job.
func (c *Client) AbortJob(ctx context.Context, id int64) error {
	return c.Call(ctx, "core.job_abort", nil, id)
}

// CallJob invokes a job-returning method and returns the job id without
// waiting for it.
func (c *Client) CallJob(ctx context.Context, method string, params ...any) (int64, error) {
	var raw any
	if err := c.Call(ctx, method, &raw, params...); err != nil {
		return 0, err
	}
	id, ok := parseInt64Any(raw)
	if !ok {
		return 0, fmt.Errorf("%s returned %v, expected a job id", method, raw)
	}
	return id, nil
}

// WaitJob polls core.get_jobs until the job finishes. It returns nil on
// SUCCESS, an ErrJobFailed error on FAILED or ABORTED, and ErrTimeout once
// the poll budget is spent.
func (c *Client) WaitJob(ctx context.Context, id int64) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.JobPollInterval), uint64(c.config.JobMaxPolls-1)),
		ctx,
	)

	polls := 0
	err := backoff.Retry(func() error {
		polls++
		jobs, err := c.QueryJobs(ctx, []any{[]any{"id", "=", id}})
		if err != nil {
			c.logger.Warn().Err(err).Int64("job", id).Msg("Failed to fetch job status")
			return err
		}
		if len(jobs) == 0 {
			c.logger.Debug().Int64("job", id).Msg("No job details yet")
			return errJobPending
		}
		job := jobs[0]
		switch job.State {
		case JobSuccess:
			return nil
		case JobFailed, JobAborted:
			msg := job.Error
			if msg == "" {
				msg = "no error message provided"
			}
			return backoff.Permanent(fmt.Errorf("job %d (%s) %s: %s: %w", id, job.Method, strings.ToLower(job.State), msg, apperrors.ErrJobFailed))
		default:
			c.logger.Debug().Int64("job", id).Str("state", job.State).Msg("Job not finished yet")
			return errJobPending
		}
	}, policy)

	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrJobFailed) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("job %d did not finish after %d polls: %w", id, polls, apperrors.ErrTimeout)
}

// CallJobAndWait runs a job method to completion.
func (c *Client) CallJobAndWait(ctx context.Context, method string, params ...any) error {
	id, err := c.CallJob(ctx, method, params...)
	if err != nil {
		return err
	}
	return c.WaitJob(ctx, id)
}
