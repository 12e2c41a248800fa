package core

import (
	"context"
	"fmt"
	"runtime"

	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/queue"
)

// Flush drains the snapshots queue and then the uploads queue, reporting
// progress. With closeQueues each queue is closed to new work before
// draining. Cancellation reopens both queues before returning the error.
func (p *Percy) Flush(ctx context.Context, closeQueues bool) error {
	// Let snapshot calls made just before this one finish enqueueing.
	runtime.Gosched()

	reopen := func() {
		p.snapshots.Open()
		p.uploads.Open()
	}

	if p.snapshots.Size() > 0 {
		if closeQueues {
			p.snapshots.Close(false)
		}
		err := p.snapshots.Flush(ctx, func(remaining int) {
			p.log.Progress(fmt.Sprintf("Processing %d snapshots...", remaining), remaining > 0)
		})
		if err != nil {
			reopen()
			return err
		}
	}

	if !p.opts.SkipUploads && p.uploads.Size() > 0 && !p.onlyBuildCreateQueued() {
		if closeQueues {
			p.uploads.Close(false)
		}
		err := p.uploads.Flush(ctx, func(remaining int) {
			p.log.Progress(fmt.Sprintf("Uploading %d snapshots...", remaining), remaining > 0)
		})
		if err != nil {
			reopen()
			return err
		}
	}
	return nil
}

// onlyBuildCreateQueued reports whether the uploads queue holds nothing but
// the build creation task, in which case there is nothing worth uploading.
func (p *Percy) onlyBuildCreateQueued() bool {
	return p.uploads.Size() == 1 && p.uploads.Has(buildCreateID)
}

// Stop drains the pipeline and shuts everything down. With force both queues
// are aborted instead of drained. Cancellation during the drain restores the
// running state.
func (p *Percy) Stop(ctx context.Context, force bool) error {
	p.mu.Lock()
	state := p.state
	browser := p.browser
	p.mu.Unlock()

	if state == StateNone || state == StateStopped {
		if browser != nil && browser.IsConnected() {
			return browser.Close()
		}
		return nil
	}

	if force {
		p.Close()
	}

	p.mu.Lock()
	if p.state == StateStopping {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	p.log.Info("Stopping percy...")
	if err := p.Flush(ctx, true); err != nil {
		if queue.Canceled(err) {
			p.setState(StateRunning)
		}
		return err
	}

	if p.opts.DryRun && p.uploads.Size() > 0 {
		count := p.uploads.Size()
		if p.uploads.Has(buildCreateID) {
			count--
		}
		p.log.Infof("Found %d snapshots", count)
	}

	p.mu.Lock()
	server := p.server
	build := p.build
	p.mu.Unlock()
	if server != nil {
		_ = server.Close()
	}
	if p.browser != nil {
		_ = p.browser.Close()
	}

	err := p.finishBuild(ctx, build)
	p.setState(StateStopped)
	return err
}

// finishBuild finalizes a healthy build, reports a failed one, and warns when
// no build was ever created.
func (p *Percy) finishBuild(ctx context.Context, build Build) error {
	switch {
	case build.Failed || build.Error != "":
		p.log.Warnf("Build #%d failed: %s", build.Number, build.URL)
		return nil
	case build.ID == "":
		if !p.opts.DryRun {
			p.log.Warn("Build not created")
		}
		return nil
	case p.opts.SkipUploads:
		return nil
	default:
		if err := p.client.FinalizeBuild(ctx, build.ID); err != nil {
			p.log.Error("Failed to finalize build")
			p.log.Err(err)
			return err
		}
		p.log.Infof("Finalized build #%d: %s", build.Number, build.URL)
		p.bus.Publish(events.Event{Type: events.TypeBuildFinalized, BuildID: build.ID})
		return nil
	}
}

// Close aborts both queues immediately, canceling everything queued and
// pending. Subsequent snapshots and uploads are dropped.
func (p *Percy) Close() {
	p.snapshots.Close(true)
	p.uploads.Close(true)
}
