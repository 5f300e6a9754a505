package pipeline

import (
	"context"
	"errors"
	"fmt"

	"docpipeline/internal/observability"
	"docpipeline/internal/retry"
	"docpipeline/internal/store"
)

// Execute runs the one stage function that owns job.Stage, then applies
// whatever Outcome it returns. This is the only place in the package that
// calls store.Advance / store.FinalizeJob / store.TransitionState, so every
// stage mutation goes through one, auditable path.
func Execute(ctx context.Context, d *Deps, workerID string, job store.Job) error {
	fn, ok := dispatch[job.Stage]
	if !ok {
		return fmt.Errorf("pipeline: no executor registered for stage %q", job.Stage)
	}
	out := fn(ctx, d, job)
	return apply(ctx, d, workerID, job, out)
}

// dispatch maps the stage a job is currently sitting at to the function
// that performs the work driving it to the next stage. Two entries
// (parse_validated, chunked) are trivial marker hops: the real work for the
// arrow labeled on the following stage name happens here, one hop early, so
// that the "*_buffered" split keeps the expensive write and the stage flip
// in separate transactions.
var dispatch = map[store.Stage]func(context.Context, *Deps, store.Job) Outcome{
	store.StageQueued:             runValidateJob,
	store.StageJobValidated:       runSubmitParse,
	store.StageParsing:            runPollParse,
	store.StageParsed:             runValidateParse,
	store.StageParseValidated:     runBeginChunking,
	store.StageChunking:           runWriteChunks,
	store.StageChunksBuffered:     runValidateChunks,
	store.StageChunked:            runBeginEmbedding,
	store.StageEmbedding:          runComputeEmbeddings,
	store.StageEmbeddingsBuffered: runCommitEmbeddings,
}

func apply(ctx context.Context, d *Deps, workerID string, job store.Job, out Outcome) error {
	logger := observability.LoggerWithTrace(ctx)
	now := d.now()

	switch out.Kind {
	case OutcomeNoop:
		return nil

	case OutcomePending:
		at := now.Add(out.PollAfter)
		err := d.Store.TransitionState(ctx, job.JobID, workerID, store.StateWorking, store.StateQueued,
			store.TransitionStateOpts{NextRetryAt: &at}, now)
		return ignoreConflict(err)

	case OutcomeAdvanced:
		err := d.Store.Advance(ctx, job.JobID, workerID, job.Stage, out.NextStage, out.Patch, now)
		return ignoreConflict(err)

	case OutcomeFinalized:
		err := d.Store.FinalizeJob(ctx, job.JobID, workerID, job.Stage, out.FinalizeInfo, now)
		return ignoreConflict(err)

	case OutcomeFailed:
		kind := retry.ClassifyCode(out.Code)
		cls := d.Policy.Classify(kind, out.Code, job.RetryCount, now)
		if kind == retry.KindNoop {
			// db_conflict/lease_lost: not a failure, don't write anything.
			logger.Warn().Str("job_id", job.JobID.String()).Str("code", string(out.Code)).
				Msg("pipeline: stage reported noop failure, abandoning in memory")
			return nil
		}
		msg := ""
		if out.Err != nil {
			msg = out.Err.Error()
		}
		opts := store.TransitionStateOpts{
			RetryCount:  &cls.RetryCount,
			NextRetryAt: cls.NextRetryAt,
			LastError:   &store.LastError{Code: string(cls.Code), Message: msg},
			Finished:    cls.Deadlettered,
		}
		nextState := store.StateRetryable
		if cls.Deadlettered {
			nextState = store.StateDeadletter
		}
		err := d.Store.TransitionState(ctx, job.JobID, workerID, store.StateWorking, nextState, opts, now)
		return ignoreConflict(err)

	default:
		return fmt.Errorf("pipeline: unknown outcome kind %d", out.Kind)
	}
}

// ignoreConflict treats store.ErrConflict as the non-error "another worker
// already moved this job" case: the conditional update matching zero rows
// means this worker must abandon the job in memory, not retry the write or
// propagate a pipeline failure.
func ignoreConflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
