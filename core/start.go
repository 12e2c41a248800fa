package core

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/queue"
)

// Start runs the start sequence to completion. Canceling ctx cancels the
// in-flight step.
func (p *Percy) Start(ctx context.Context) error {
	fut := p.StartDeferred()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fut.Cancel()
		case <-fut.Done():
		case <-done:
		}
	}()
	_, err := fut.Result()
	return err
}

// StartDeferred begins the start sequence on its own goroutine and returns a
// cancelable future for it. Canceling the future interrupts whichever step is
// in flight and rolls the state back.
func (p *Percy) StartDeferred() *queue.Future {
	return queue.Start(queue.OneShot(func(ctx context.Context) (any, error) {
		v, err := queue.Run(ctx, queue.Stepped(p.startSteps))
		if err != nil {
			p.rollbackStart(err)
		}
		return v, err
	}))
}

// startSteps is the start sequence broken at its await points so that
// cancellation lands between steps.
func (p *Percy) startSteps(context.Context) []queue.Step {
	var alreadyStarted bool
	return []queue.Step{
		func(context.Context) (any, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.state != StateNone {
				alreadyStarted = true
				return nil, nil
			}
			p.state = StateStarting
			return nil, nil
		},
		func(ctx context.Context) (any, error) {
			if alreadyStarted {
				return nil, nil
			}
			fut := p.enqueueBuildCreate()
			if !p.opts.DeferUploads {
				if _, err := fut.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
		func(ctx context.Context) (any, error) {
			if alreadyStarted || p.opts.DryRun || p.browser == nil {
				return nil, nil
			}
			if err := p.browser.Launch(ctx); err != nil {
				return nil, fmt.Errorf("launch browser: %w", err)
			}
			return nil, nil
		},
		func(ctx context.Context) (any, error) {
			if alreadyStarted || p.server == nil {
				return nil, nil
			}
			if err := p.server.Listen(ctx); err != nil {
				return nil, p.remapBindError(err)
			}
			return nil, nil
		},
		func(context.Context) (any, error) {
			if alreadyStarted {
				return nil, nil
			}
			p.setState(StateRunning)
			p.log.Info("Percy has started!")
			return nil, nil
		},
	}
}

// enqueueBuildCreate pushes the build creation task at top priority. The task
// stops the uploads queue while the build is being created so no upload can
// race ahead of it, then resumes the queue.
func (p *Percy) enqueueBuildCreate() *queue.Future {
	deferred := p.opts.DeferUploads
	fut := p.uploads.PushPriority(buildCreateID, 0, queue.OneShot(func(ctx context.Context) (any, error) {
		p.uploads.Stop()
		build, err := p.client.CreateBuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("create build: %w", err)
		}
		p.mu.Lock()
		p.build = Build{ID: build.ID, Number: build.Number, URL: build.URL}
		p.mu.Unlock()
		p.log.Infof("Percy build %d created: %s", build.Number, build.URL)
		p.bus.Publish(events.Event{Type: events.TypeBuildCreated, BuildID: build.ID})
		p.uploads.Run()
		return nil, nil
	}))

	p.mu.Lock()
	p.buildTask = fut
	p.mu.Unlock()

	if deferred {
		// The build is created later, during a flush. A failure then has no
		// caller waiting on it, so it is handled here.
		go func() {
			if _, err := fut.Result(); err != nil && !queue.Canceled(err) {
				p.handleBuildFailure(err)
			}
		}()
	}
	return fut
}

func (p *Percy) handleBuildFailure(err error) {
	p.mu.Lock()
	p.build.Error = err.Error()
	p.mu.Unlock()
	p.log.Error("Failed to create build")
	p.log.Err(err)
	p.bus.Publish(events.Event{Type: events.TypeBuildFailed, Detail: err.Error()})
	p.Close()
}

// rollbackStart undoes a failed or canceled start. A canceled deferred start
// reverts to the never-started state; any other failure lands on stopped with
// the server and browser closed.
func (p *Percy) rollbackStart(err error) {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return
	}
	buildTask := p.buildTask
	if queue.Canceled(err) && p.opts.DeferUploads {
		p.state = StateNone
		p.mu.Unlock()
		if buildTask != nil {
			buildTask.Cancel()
		}
		return
	}
	p.state = StateStopped
	server := p.server
	p.mu.Unlock()

	p.log.Err(err)
	if server != nil {
		_ = server.Close()
	}
	if p.browser != nil {
		_ = p.browser.Close()
	}
}

func (p *Percy) remapBindError(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("Percy is already running or the port %d is in use", p.opts.Port)
	}
	return fmt.Errorf("start server: %w", err)
}
