package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New(2, 10, nil)
	defer p.StopAndWait(time.Second)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			n.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), n.Load())
	assert.Equal(t, uint64(5), p.Stats().Submitted)
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	p := New(1, 1, nil)
	defer p.StopAndWait(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	// Worker is busy; the single queue slot takes one more task.
	require.NoError(t, p.Submit(func() {}))

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(block)
}

func TestSubmitAfterStopFailsDeterministically(t *testing.T) {
	p := New(1, 4, nil)
	assert.True(t, p.StopAndWait(time.Second))

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	p := New(1, 16, nil)

	var n atomic.Int32
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
		n.Add(1)
	}))
	<-started
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func() { n.Add(1) }))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()

	// No in-flight task's result is lost before stop was observed.
	assert.True(t, p.StopAndWait(2*time.Second))
	assert.Equal(t, int32(9), n.Load())
	assert.Equal(t, uint64(9), p.Stats().Completed)
}

func TestStopAndWaitTimeout(t *testing.T) {
	p := New(1, 4, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	assert.False(t, p.StopAndWait(50*time.Millisecond))
	close(block)
}

func TestPanicIsCountedAsFailed(t *testing.T) {
	p := New(1, 4, nil)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		defer close(done)
		panic("boom")
	}))
	<-done

	p.StopAndWait(time.Second)
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(0), stats.Completed)
}
