package async

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-srgan/vision/dataloader"
)

// ErrQueueStopped is returned by Next once the queue has been stopped
var ErrQueueStopped = errors.New("prefetch queue stopped")

// BatchSource produces batches by index. Implementations must be safe for
// concurrent LoadBatch calls with distinct generators.
type BatchSource interface {
	Len() int
	LoadBatch(index int, rng *rand.Rand) (*dataloader.Batch, error)
}

// PrefetchConfig holds configuration for the prefetch queue
type PrefetchConfig struct {
	Workers   int   // Number of background workers (default: 2)
	QueueSize int   // Number of batches to prefetch (default: 3)
	Shuffle   bool  // Shuffle batch indices every pass
	Seed      int64 // Base seed for index shuffling and worker generators
}

// PrefetchQueue loads batches in the background into a bounded queue. A
// feeder hands out the indices of one pass at a time and only starts the
// next pass once every batch of the current one has been queued.
type PrefetchQueue struct {
	source BatchSource
	config PrefetchConfig

	jobs         chan prefetchJob
	batchChannel chan *dataloader.Batch
	passDone     chan struct{}
	pending      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	errDone chan struct{}
	err     error

	// State
	batchCounter atomic.Uint64
	pass         atomic.Uint64
	isRunning    bool
	stopped      bool
	mutex        sync.RWMutex
}

type prefetchJob struct {
	pass  uint64
	index int
}

// NewPrefetchQueue creates a queue over source. Call Start to begin loading.
func NewPrefetchQueue(source BatchSource, config PrefetchConfig) (*PrefetchQueue, error) {
	if source == nil {
		return nil, fmt.Errorf("batch source cannot be nil")
	}
	if source.Len() <= 0 {
		return nil, fmt.Errorf("batch source has no batches")
	}

	// Set defaults
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 3
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PrefetchQueue{
		source:       source,
		config:       config,
		jobs:         make(chan prefetchJob),
		batchChannel: make(chan *dataloader.Batch, config.QueueSize),
		passDone:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		errDone:      make(chan struct{}),
	}, nil
}

// Start launches the feeder and worker goroutines
func (q *PrefetchQueue) Start() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.isRunning {
		return fmt.Errorf("prefetch queue is already running")
	}
	if q.stopped {
		return ErrQueueStopped
	}

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.feeder()

	q.isRunning = true
	return nil
}

// Stop cancels loading, joins every goroutine and discards queued batches.
// It is safe to call more than once.
func (q *PrefetchQueue) Stop() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true

	q.cancel()
	q.wg.Wait()

	close(q.batchChannel)
	for range q.batchChannel {
	}

	q.isRunning = false
}

// Next blocks until a batch is ready. It returns the first worker error
// once one has occurred, ErrQueueStopped after Stop, or ctx's error.
func (q *PrefetchQueue) Next(ctx context.Context) (*dataloader.Batch, error) {
	select {
	case <-q.errDone:
		return nil, q.err
	default:
	}

	select {
	case batch, ok := <-q.batchChannel:
		if !ok {
			return nil, ErrQueueStopped
		}
		return batch, nil
	case <-q.errDone:
		return nil, q.err
	case <-q.ctx.Done():
		select {
		case <-q.errDone:
			return nil, q.err
		default:
			return nil, ErrQueueStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail records the first error and halts all goroutines
func (q *PrefetchQueue) fail(err error) {
	q.errOnce.Do(func() {
		q.err = err
		close(q.errDone)
		q.cancel()
	})
}

// feeder emits the indices of one pass at a time
func (q *PrefetchQueue) feeder() {
	defer q.wg.Done()

	n := q.source.Len()
	for pass := uint64(0); ; pass++ {
		q.pass.Store(pass)

		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		if q.config.Shuffle {
			rng := rand.New(rand.NewSource(jobSeed(q.config.Seed, pass, -1)))
			rng.Shuffle(n, func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}

		q.pending.Store(int64(n))
		for _, index := range order {
			select {
			case q.jobs <- prefetchJob{pass: pass, index: index}:
			case <-q.ctx.Done():
				return
			}
		}

		// wait until the whole pass has been queued
		select {
		case <-q.passDone:
		case <-q.ctx.Done():
			return
		}
	}
}

// worker loads batches with its own generator, reseeded for every job so
// the result depends only on (Seed, pass, index)
func (q *PrefetchQueue) worker(workerID int) {
	defer q.wg.Done()

	rng := rand.New(rand.NewSource(q.config.Seed))
	for {
		var job prefetchJob
		select {
		case job = <-q.jobs:
		case <-q.ctx.Done():
			return
		}

		rng.Seed(jobSeed(q.config.Seed, job.pass, job.index))
		batch, err := q.source.LoadBatch(job.index, rng)
		if err != nil {
			q.fail(fmt.Errorf("worker %d: batch %d: %w", workerID, job.index, err))
			return
		}

		select {
		case q.batchChannel <- batch:
		case <-q.ctx.Done():
			return
		}

		q.batchCounter.Add(1)

		if q.pending.Add(-1) == 0 {
			q.passDone <- struct{}{}
		}
	}
}

// jobSeed mixes the base seed, pass and index into one generator seed
func jobSeed(seed int64, pass uint64, index int) int64 {
	x := uint64(seed) ^ 0x9e3779b97f4a7c15
	for _, v := range []uint64{pass, uint64(int64(index))} {
		x ^= v + 0x9e3779b97f4a7c15 + (x << 6) + (x >> 2)
		x ^= x >> 30
		x *= 0xbf58476d1ce4e5b9
		x ^= x >> 27
		x *= 0x94d049bb133111eb
		x ^= x >> 31
	}
	return int64(x)
}

// Stats returns statistics about the prefetch queue
func (q *PrefetchQueue) Stats() PrefetchStats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return PrefetchStats{
		IsRunning:       q.isRunning,
		BatchesProduced: q.batchCounter.Load(),
		QueuedBatches:   len(q.batchChannel),
		QueueCapacity:   q.config.QueueSize,
		Workers:         q.config.Workers,
		Pass:            q.pass.Load(),
	}
}

// PrefetchStats provides statistics about the prefetch queue
type PrefetchStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
	Pass            uint64
}
