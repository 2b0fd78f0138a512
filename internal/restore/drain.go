package restore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// drainRedeploys waits for every redeploy job together. A failed job marks
// its application critical; the others are still waited for.
func (s *Restorer) drainRedeploys(ctx context.Context, r *run) error {
	if len(r.jobs) == 0 {
		return nil
	}
	r.log.Info().Int("jobs", len(r.jobs)).Msg("Waiting for redeploys to finish")
	var g errgroup.Group
	for _, job := range r.jobs {
		g.Go(func() error {
			if err := s.deployer.WaitJob(ctx, job.id); err != nil {
				r.log.Error().Err(err).Str("app", job.app).Int64("job", job.id).Msg("Redeploy failed")
				r.ledger.MarkCritical(job.app, fmt.Sprintf("Redeploy did not complete: %v", err))
			}
			return nil
		})
	}
	return g.Wait()
}
