package dispatch

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"
)

// Pool runs jobs on in-process workers fed by a buffered channel.
type Pool struct {
	jobs    chan string
	cancel  context.CancelFunc
	group   *errgroup.Group
	closing chan struct{}
}

// NewPool starts workerCount workers executing jobs with the given executor.
func NewPool(executor Executor, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		jobs:    make(chan string, 64),
		cancel:  cancel,
		group:   group,
		closing: make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case jobID, ok := <-p.jobs:
					if !ok {
						return nil
					}
					if err := executor.ExecuteRenderJob(ctx, jobID); err != nil {
						log.Printf("render job %s: %v", jobID, err)
					}
				}
			}
		})
	}
	return p
}

func (p *Pool) Enqueue(_ context.Context, jobID string) error {
	select {
	case <-p.closing:
		return errors.New("dispatcher closed")
	default:
	}
	select {
	case p.jobs <- jobID:
		return nil
	case <-p.closing:
		return errors.New("dispatcher closed")
	}
}

func (p *Pool) Close() error {
	close(p.closing)
	close(p.jobs)
	err := p.group.Wait()
	p.cancel()
	return err
}
