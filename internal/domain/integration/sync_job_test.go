package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncJob(t *testing.T) {
	conn := testConnection(t)

	t.Run("queued for connection", func(t *testing.T) {
		job, err := NewSyncJob(conn, OperationStockUpdate, TriggerWebhook)
		require.NoError(t, err)
		assert.Equal(t, conn.ID, job.ConnectionID)
		assert.Equal(t, conn.TenantID, job.TenantID)
		assert.Equal(t, JobStatusQueued, job.Status)
		assert.Zero(t, job.Sequence)
		assert.False(t, job.IsScoped())
	})

	tests := []struct {
		name    string
		op      Operation
		trigger Trigger
		active  bool
		wantErr error
	}{
		{"unknown operation", Operation("delete_everything"), TriggerManual, true, ErrInvalidOperation},
		{"unknown trigger", OperationFullSync, Trigger("cosmic_ray"), true, ErrInvalidTrigger},
		{"inactive connection", OperationFullSync, TriggerManual, false, ErrConnectionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConnection(t)
			if !tt.active {
				c.Deactivate()
			}
			_, err := NewSyncJob(c, tt.op, tt.trigger)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSyncJob_Scope(t *testing.T) {
	job := testJob(t, OperationStockUpdate)
	assert.True(t, job.InScope("anything"))

	ids := []string{"P1", "P2"}
	job.WithScope(ids).WithSourceEvent("evt-1")
	ids[0] = "mutated"

	assert.True(t, job.IsScoped())
	assert.True(t, job.InScope("P1"))
	assert.False(t, job.InScope("P3"))
	assert.Equal(t, "evt-1", job.SourceEventID)

	job.WithScope(nil)
	assert.Equal(t, []string{"P1", "P2"}, job.Scope)

	job.WithScope([]string{"P4", "", "P5", "P4"})
	assert.Equal(t, []string{"P4", "P5"}, job.Scope, "repeats and blanks are dropped")
}

func TestSyncJob_FollowUp(t *testing.T) {
	job := testJob(t, OperationPriceUpdate)
	job.Attempt = 1

	next := job.FollowUp([]string{"P9"})
	assert.NotEqual(t, job.ID, next.ID)
	assert.Equal(t, job.ConnectionID, next.ConnectionID)
	assert.Equal(t, job.TenantID, next.TenantID)
	assert.Equal(t, OperationPriceUpdate, next.Operation)
	assert.Equal(t, TriggerRetry, next.Trigger)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, []string{"P9"}, next.Scope)
	assert.Zero(t, next.Sequence)
	assert.Equal(t, JobStatusQueued, next.Status)
}

func TestPairKey(t *testing.T) {
	job := testJob(t, OperationOrderSync)
	assert.Equal(t, job.ConnectionID.String()+":order_sync", job.PairKey())
	assert.NotEqual(t, job.PairKey(), PairKey(job.ConnectionID, OperationStockUpdate))
}

func TestOperation_Stages(t *testing.T) {
	assert.Equal(t,
		[]Operation{OperationProductSync, OperationStockUpdate, OperationPriceUpdate, OperationOrderSync},
		OperationFullSync.Stages())
	assert.Equal(t, []Operation{OperationStockUpdate}, OperationStockUpdate.Stages())

	for _, op := range AllOperations() {
		assert.True(t, op.IsValid(), op)
	}
}

func TestSyncCheckpoint_Applied(t *testing.T) {
	var missing *SyncCheckpoint
	assert.False(t, missing.Applied(1))

	cp := &SyncCheckpoint{LastSequence: 5}
	assert.True(t, cp.Applied(4))
	assert.True(t, cp.Applied(5))
	assert.False(t, cp.Applied(6))
}
