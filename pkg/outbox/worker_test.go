package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/store/storetest"
)

func newWorker(q *outbox.Queue, id string) *outbox.Worker {
	return outbox.NewWorker(q, id, time.Minute, 10*time.Millisecond, nil)
}

func TestWorker_ExecutesAndSucceeds(t *testing.T) {
	db := storetest.NewDB(t)
	q := outbox.NewQueue(db)
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, outbox.TypeChainTransfer, transferPayload, "k1")
	require.NoError(t, err)

	w := newWorker(q, "w1")
	w.Register(outbox.TypeChainTransfer, outbox.ExecutorFunc(
		func(ctx context.Context, task outbox.Task, submitted func(string) error) (string, string, error) {
			require.NoError(t, submitted("0x123"))
			return "transferred", "0x123", nil
		}))

	require.NoError(t, w.RunOnce(ctx))

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSucceeded, final.Status)
	assert.Equal(t, "0x123", final.TxHash)
	assert.Equal(t, "transferred", final.Result)
}

func TestWorker_FailureIsTerminalNotRetried(t *testing.T) {
	db := storetest.NewDB(t)
	q := outbox.NewQueue(db)
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, outbox.TypeChainTransfer, transferPayload, "k1")
	require.NoError(t, err)

	w := newWorker(q, "w1")
	w.Register(outbox.TypeChainTransfer, outbox.ExecutorFunc(
		func(context.Context, outbox.Task, func(string) error) (string, string, error) {
			return "", "", errors.New("rpc unreachable")
		}))

	require.NoError(t, w.RunOnce(ctx))

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, final.Status)
	assert.Equal(t, "rpc unreachable", final.LastError)

	// Failed tasks stay failed; the queue never resurrects them.
	assert.ErrorIs(t, w.RunOnce(ctx), outbox.ErrNoTaskAvailable)
}

func TestWorker_CrashAfterSubmitResumesWithoutDoubleSubmission(t *testing.T) {
	db := storetest.NewDB(t)
	q := outbox.NewQueue(db)
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, outbox.TypeChainTransfer, transferPayload, "k1")
	require.NoError(t, err)

	// First worker submits, records the hash, then "crashes" before complete.
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.RecordSubmission(ctx, task.TaskID, "w1", "0xfirst"))
	expireLock(t, db, task.TaskID, time.Now().UTC().Add(-2*time.Minute))

	// Second worker reclaims; its executor must see the prior hash and
	// must not submit again.
	submissions := 0
	w2 := newWorker(q, "w2")
	w2.Register(outbox.TypeChainTransfer, outbox.ExecutorFunc(
		func(ctx context.Context, task outbox.Task, submitted func(string) error) (string, string, error) {
			if task.TxHash != "" {
				return "confirmed prior submission", task.TxHash, nil
			}
			submissions++
			require.NoError(t, submitted("0xsecond"))
			return "transferred", "0xsecond", nil
		}))

	require.NoError(t, w2.RunOnce(ctx))
	assert.Equal(t, 0, submissions)

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSucceeded, final.Status)
	assert.Equal(t, "0xfirst", final.TxHash)
}

func TestWorker_UnknownTaskTypeFailsTask(t *testing.T) {
	db := storetest.NewDB(t)
	q := outbox.NewQueue(db)
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, outbox.TypeGitOperation,
		[]byte(`{"repository":"dao/site","operation":"merge","ref":"pr-7"}`), "k1")
	require.NoError(t, err)

	w := newWorker(q, "w1") // no executors registered
	require.NoError(t, w.RunOnce(ctx))

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "no executor registered")
}
