package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
)

// execution is the in-flight state of one claimed job
type execution struct {
	job        *integration.SyncJob
	conn       *integration.Connection
	creds      integration.Credentials
	connector  integration.Connector
	acc        *integration.RunAccumulator
	checkpoint *integration.SyncCheckpoint
	prepared   bool
	startedAt  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	aborted  atomic.Bool

	cursorMu sync.Mutex
	cursor   string
}

func newExecution(job *integration.SyncJob, checkpoint *integration.SyncCheckpoint) *execution {
	run := &execution{
		job:        job,
		checkpoint: checkpoint,
		acc:        integration.NewRunAccumulator(job),
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
	}
	if run.resumable(job.Operation) && checkpoint != nil {
		run.cursor = checkpoint.ResumeCursor
	}
	return run
}

// cancel asks the run to stop starting new records
func (r *execution) cancel() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *execution) cancelled() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// abort stops the run after a connection-level failure. Only the first call
// reports true.
func (r *execution) abort(err error) bool {
	if !r.aborted.CompareAndSwap(false, true) {
		return false
	}
	r.acc.RecordConnectionError(err)
	return true
}

// stopped reports whether no new record may start
func (r *execution) stopped() bool {
	return r.aborted.Load() || r.cancelled()
}

// resumable reports whether a listing of stage keeps a resume cursor. Only
// unscoped single-operation jobs do; the checkpoint belongs to the job's pair.
func (r *execution) resumable(stage integration.Operation) bool {
	return r.job.Operation == stage && !r.job.IsScoped()
}

func (r *execution) setCursor(cursor string) {
	r.cursorMu.Lock()
	r.cursor = cursor
	r.cursorMu.Unlock()
}

func (r *execution) resumeCursor() string {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	return r.cursor
}

// fail records one failed record
func (r *execution) fail(externalID string, stage integration.Operation, kind integration.FailureKind, reason string) {
	r.acc.RecordFailure(integration.RecordFailure{
		ExternalID: externalID,
		Operation:  stage,
		Kind:       kind,
		Reason:     reason,
	})
}

// finalCheckpoint is the checkpoint stored with the run
func (r *execution) finalCheckpoint() integration.SyncCheckpoint {
	return integration.SyncCheckpoint{
		ConnectionID: r.job.ConnectionID,
		Operation:    r.job.Operation,
		LastSequence: r.job.Sequence,
		ResumeCursor: r.resumeCursor(),
	}
}

// state is the live pair state of the running job
func (r *execution) state() integration.PairState {
	started := r.startedAt
	return integration.PairState{
		ConnectionID: r.job.ConnectionID,
		Operation:    r.job.Operation,
		Status:       integration.PairStatusRunning,
		JobID:        r.job.ID,
		RunID:        r.acc.RunID(),
		Sequence:     r.job.Sequence,
		StartedAt:    &started,
	}
}
