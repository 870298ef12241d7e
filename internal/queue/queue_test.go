package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobEncodeDecode(t *testing.T) {
	job := NewJob(KindPollAccountPayment, "hash-1")
	job.Attempt = 2

	data, err := job.Encode()
	require.NoError(t, err)

	decoded, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, KindPollAccountPayment, decoded.Kind)
	assert.Equal(t, "hash-1", decoded.PaymentHash)
	assert.Equal(t, 2, decoded.Attempt)
}

func TestDecodeJob_UnknownKind(t *testing.T) {
	_, err := DecodeJob([]byte(`{"id":"x","kind":"bogus","payment_hash":"h"}`))
	assert.Error(t, err)
}

func TestDecodeJob_Malformed(t *testing.T) {
	_, err := DecodeJob([]byte(`{not json`))
	assert.Error(t, err)
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Stop()
	ctx := context.Background()

	job := NewJob(KindPollSendPayment, "hash-1")
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestMemoryQueue_EnqueueAfter(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Stop()
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, NewJob(KindPollRenewalPayment, "h"), 20*time.Millisecond))

	// 延迟作业在到期前不可见
	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	waitCtx, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	got, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "h", got.PaymentHash)
}

func TestMemoryQueue_DequeueCanceled(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
