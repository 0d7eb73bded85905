package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// Task transfers one part and returns its ETag.
type Task struct {
	PartNumber int
	Size       int64
	Do         func(ctx context.Context) (string, error)
}

// PartResult is a transferred part.
type PartResult struct {
	PartNumber int
	ETag       string
	Size       int64
}

// TaskIterator yields tasks on demand, so sources are only read as fast as parts are sent.
type TaskIterator interface {
	// Next returns the next task, or false once there are none left.
	Next(ctx context.Context) (Task, bool, error)
}

// Pool runs part tasks with bounded concurrency. It can be shared by several transfers; each Run
// has its own concurrency budget of Size tasks.
type Pool struct {
	size   int
	logger log.Logger
	stats  *Stats
}

// NewPool creates a Pool running at most size tasks at once.
func NewPool(size int, logger log.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Pool{
		size:   size,
		logger: logger,
		stats:  NewStats(),
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns the transfer statistics of every task run by the pool.
func (p *Pool) Stats() *Stats {
	return p.stats
}

// Run dispatches tasks until the iterator is exhausted, the context is cancelled or a task fails.
// After the first failure no new task starts, tasks in flight see a cancelled context and the
// failure is returned once they have finished. collect receives every successful result on the
// goroutine that produced it.
func (p *Pool) Run(ctx context.Context, tasks TaskIterator, collect func(PartResult) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	var iterErr error
	for gctx.Err() == nil {
		task, ok, err := tasks.Next(gctx)
		if err != nil {
			iterErr = err
			break
		}
		if !ok {
			break
		}

		// Blocks while size tasks are running.
		g.Go(func() error {
			return p.run(gctx, task, collect)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if iterErr != nil {
		return iterErr
	}
	return ctx.Err()
}

// RunTasks runs a fixed set of tasks and returns their results in completion order.
func (p *Pool) RunTasks(ctx context.Context, tasks []Task) ([]PartResult, error) {
	var mu sync.Mutex
	results := make([]PartResult, 0, len(tasks))

	err := p.Run(ctx, &sliceIterator{tasks: tasks}, func(r PartResult) error {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pool) run(ctx context.Context, task Task, collect func(PartResult) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.logger.Debugf("Transferring part %d (%s) [finished=%d] [avg=%v]",
		task.PartNumber, units.BytesSize(float64(task.Size)),
		p.stats.FinishedCount(), p.stats.Average().Round(time.Millisecond))

	start := time.Now()
	etag, err := task.Do(ctx)
	if err != nil {
		return fmt.Errorf("part %d: %w", task.PartNumber, err)
	}

	took := time.Since(start)
	p.stats.Update(took, task.Size)
	p.logger.Debugf("Part %d transferred in %v, ETag: %s", task.PartNumber, took.Round(time.Millisecond), etag)

	if collect == nil {
		return nil
	}
	return collect(PartResult{PartNumber: task.PartNumber, ETag: etag, Size: task.Size})
}

type sliceIterator struct {
	tasks []Task
	next  int
}

func (it *sliceIterator) Next(context.Context) (Task, bool, error) {
	if it.next >= len(it.tasks) {
		return Task{}, false, nil
	}
	task := it.tasks[it.next]
	it.next++
	return task, true, nil
}
