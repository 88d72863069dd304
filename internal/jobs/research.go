package jobs

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/search"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// ResearchJob is the job name of a background research run.
const ResearchJob = "cache_search_results"

// Researcher runs and reports on research for a query.
type Researcher interface {
	Build(ctx context.Context, query string, opts ...search.BuildOption) ([]*types.CandidateURL, error)
	GetInProgress(ctx context.Context, query string) (string, bool, error)
	GetIsComplete(ctx context.Context, query string) (string, bool, error)
}

// Research dispatches research runs onto a queue.
type Research struct {
	queue  *Queue
	runner Researcher
	logger *zap.Logger
}

// NewResearch registers the research handler on queue.
func NewResearch(queue *Queue, runner Researcher, logger *zap.Logger) *Research {
	r := &Research{
		queue:  queue,
		runner: runner,
		logger: logger.With(zap.String("component", "research_jobs")),
	}
	queue.Register(ResearchJob, r.handle)
	return r
}

// handle runs one research attempt. Only transient fetch faults are
// retried; any other failure fails the job.
func (r *Research) handle(ctx context.Context, job *Job) error {
	query := job.Payload["query"]
	if _, err := r.runner.Build(ctx, query, search.Dispatched()); err != nil {
		r.logger.Error("Search results caching failed", zap.String("query", query), zap.Error(err))
		var fe *types.FetchError
		if errors.As(err, &fe) && fe.IsRetryable() {
			return err
		}
		return Permanent(err)
	}
	return nil
}

// DispatchResult describes what Dispatch did for a query.
type DispatchResult struct {
	JobID      string `json:"job_id,omitempty"`
	InProgress string `json:"in_progress,omitempty"`
	Complete   string `json:"complete,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// Dispatch queues research for query unless a run is already in progress
// or has recently completed. A run in progress is reported with
// types.ErrAlreadyRunning alongside a result carrying the warning.
func (r *Research) Dispatch(ctx context.Context, query string) (*DispatchResult, error) {
	if query == "" {
		return nil, eris.New("research query is empty")
	}
	res := &DispatchResult{}

	started, running, err := r.runner.GetInProgress(ctx, query)
	if err != nil {
		return nil, err
	}
	if running {
		res.InProgress = started
		res.Warning = "Search job already in progress"
		return res, eris.Wrapf(types.ErrAlreadyRunning, "started %s", started)
	}

	completed, done, err := r.runner.GetIsComplete(ctx, query)
	if err != nil {
		return nil, err
	}
	if done {
		res.Complete = completed
		return res, nil
	}

	job, err := r.queue.Dispatch(ctx, ResearchJob, query, map[string]string{"query": query})
	if errors.Is(err, ErrDuplicate) {
		res.Warning = "Search job already in progress"
		return res, eris.Wrap(types.ErrAlreadyRunning, err.Error())
	}
	if err != nil {
		return nil, err
	}
	res.JobID = job.ID
	return res, nil
}
