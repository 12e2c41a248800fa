package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/percy/client"
	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/history"
	"github.com/GoCodeAlone/percy/queue"
)

// Additional names an extra capture taken alongside a snapshot.
type Additional struct {
	Name string `json:"name"`
}

// SnapshotOptions is one snapshot request as accepted from SDKs and the CLI.
type SnapshotOptions struct {
	Name                string       `json:"name,omitempty"`
	URL                 string       `json:"url,omitempty"`
	Sitemap             string       `json:"sitemap,omitempty"`
	Serve               string       `json:"serve,omitempty"`
	BaseURL             string       `json:"baseUrl,omitempty"`
	Widths              []int        `json:"widths,omitempty"`
	MinHeight           int          `json:"minHeight,omitempty"`
	PercyCSS            string       `json:"percyCSS,omitempty"`
	EnableJavaScript    bool         `json:"enableJavaScript,omitempty"`
	AdditionalSnapshots []Additional `json:"additionalSnapshots,omitempty"`
}

// Snapshot is one concrete capture produced by gathering.
type Snapshot struct {
	Name                string
	URL                 string
	Widths              []int
	MinHeight           int
	PercyCSS            string
	EnableJavaScript    bool
	Meta                map[string]any
	AdditionalSnapshots []Additional
}

// Snapshot accepts a snapshot request. The accepted forms are a URL string
// (a string ending in .xml is treated as a sitemap), a SnapshotOptions, or a
// slice of either, handled in parallel. The call returns once every snapshot
// task has been accepted by the queue; uploads complete later.
func (p *Percy) Snapshot(ctx context.Context, what any) error {
	if err := p.acceptingSnapshots(); err != nil {
		return err
	}
	switch v := what.(type) {
	case string:
		opts := SnapshotOptions{URL: v}
		if strings.HasSuffix(v, ".xml") {
			opts = SnapshotOptions{Sitemap: v}
		}
		return p.snapshotOne(ctx, opts)
	case SnapshotOptions:
		return p.snapshotOne(ctx, v)
	case []string:
		return snapshotAll(ctx, p, v)
	case []SnapshotOptions:
		return snapshotAll(ctx, p, v)
	case []any:
		return snapshotAll(ctx, p, v)
	default:
		return fmt.Errorf("invalid snapshot argument of type %T", what)
	}
}

func snapshotAll[T any](ctx context.Context, p *Percy, items []T) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error { return p.Snapshot(ctx, item) })
	}
	return g.Wait()
}

func (p *Percy) acceptingSnapshots() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return errors.New("not running")
	}
	if p.build.Error != "" {
		return errors.New(p.build.Error)
	}
	return nil
}

func (p *Percy) snapshotOne(ctx context.Context, opts SnapshotOptions) error {
	var closeStatic func() error
	if opts.Serve != "" {
		addr, shutdown, err := serveStatic(opts.Serve)
		if err != nil {
			return fmt.Errorf("serve %s: %w", opts.Serve, err)
		}
		closeStatic = shutdown
		if opts.BaseURL == "" {
			opts.BaseURL = "http://" + addr
		}
	}

	if err := p.validate(&opts); err != nil {
		if closeStatic != nil {
			_ = closeStatic()
		}
		return err
	}
	snaps, err := p.gather(ctx, p, opts)
	if err != nil {
		if closeStatic != nil {
			_ = closeStatic()
		}
		return fmt.Errorf("gather snapshots: %w", err)
	}

	var futures []*queue.Future
	for _, s := range snaps {
		if fut := p.takeSnapshot(s); fut != nil {
			futures = append(futures, fut)
		}
	}
	if closeStatic != nil {
		// The static server must outlive discovery of the snapshots it backs.
		go func() {
			for _, fut := range futures {
				<-fut.Done()
			}
			_ = closeStatic()
		}()
	}
	return nil
}

// takeSnapshot schedules discovery for one snapshot, displacing any earlier
// task with the same name along with its uploads.
func (p *Percy) takeSnapshot(s Snapshot) *queue.Future {
	p.uploads.Cancel("upload/" + s.Name)
	for _, a := range s.AdditionalSnapshots {
		p.uploads.Cancel("upload/" + a.Name)
	}

	started := time.Now()
	fut := p.snapshots.Push("snapshot/"+s.Name, queue.OneShot(func(ctx context.Context) (any, error) {
		return nil, p.discover(ctx, p, s, func(name string, payload any) error {
			_, err := p.scheduleUpload(name, payload)
			return err
		})
	}))
	if fut == nil {
		return nil
	}
	p.bus.Publish(events.Event{Type: events.TypeSnapshotAccepted, Name: s.Name, BuildID: p.BuildInfo().ID})

	go func() {
		_, err := fut.Result()
		switch {
		case err == nil:
			p.log.Infof("Snapshot taken: %s", s.Name)
			p.bus.Publish(events.Event{Type: events.TypeSnapshotDone, Name: s.Name, BuildID: p.BuildInfo().ID})
			p.record(history.KindSnapshot, s.Name, history.StatusSuccess, "", started)
		case queue.Canceled(err):
			p.log.Debugf("Duplicate snapshot name %s, previous was canceled", s.Name)
			p.record(history.KindSnapshot, s.Name, history.StatusCanceled, "", started)
		default:
			p.log.Errorf("Encountered an error taking snapshot: %s", s.Name)
			p.log.Err(err)
			p.bus.Publish(events.Event{Type: events.TypeSnapshotFailed, Name: s.Name, Detail: err.Error()})
			p.record(history.KindSnapshot, s.Name, history.StatusFailed, err.Error(), started)
		}
	}()
	return fut
}

// scheduleUpload queues one payload for upload. It fails when the build has
// been poisoned; a 422 rejection referencing the build poisons it and closes
// the pipeline.
func (p *Percy) scheduleUpload(name string, payload any) (*queue.Future, error) {
	p.mu.Lock()
	buildErr := p.build.Error
	p.mu.Unlock()
	if buildErr != "" {
		return nil, errors.New(buildErr)
	}

	started := time.Now()
	fut := p.uploads.Push("upload/"+name, queue.OneShot(func(ctx context.Context) (any, error) {
		if err := p.client.SendSnapshot(ctx, p.BuildInfo().ID, payload); err != nil {
			if detail, ok := client.IsBuildRejection(err); ok {
				p.failBuild(detail)
			}
			return nil, err
		}
		return nil, nil
	}))
	if fut == nil {
		return nil, errors.New("uploads are closed")
	}

	go func() {
		_, err := fut.Result()
		switch {
		case err == nil:
			p.bus.Publish(events.Event{Type: events.TypeUploadDone, Name: name, BuildID: p.BuildInfo().ID})
			p.record(history.KindUpload, name, history.StatusSuccess, "", started)
		case queue.Canceled(err):
			p.record(history.KindUpload, name, history.StatusCanceled, "", started)
		default:
			p.log.Errorf("Encountered an error uploading snapshot: %s", name)
			p.log.Err(err)
			p.bus.Publish(events.Event{Type: events.TypeUploadFailed, Name: name, Detail: err.Error()})
			p.record(history.KindUpload, name, history.StatusFailed, err.Error(), started)
		}
	}()
	return fut, nil
}

// failBuild marks the build rejected by the server and shuts the pipeline so
// nothing further is queued against it.
func (p *Percy) failBuild(detail string) {
	p.mu.Lock()
	p.build.Failed = true
	p.build.Error = detail
	buildID := p.build.ID
	p.mu.Unlock()
	p.log.Error(detail)
	p.bus.Publish(events.Event{Type: events.TypeBuildFailed, BuildID: buildID, Detail: detail})
	p.Close()
}
