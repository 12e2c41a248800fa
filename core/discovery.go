package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/GoCodeAlone/percy/browser"
)

// SnapshotPayload is the upload body assembled for one captured snapshot.
type SnapshotPayload struct {
	Name             string             `json:"name"`
	URL              string             `json:"url"`
	Widths           []int              `json:"widths,omitempty"`
	MinHeight        int                `json:"min-height,omitempty"`
	EnableJavaScript bool               `json:"enable-javascript,omitempty"`
	DOMSnapshot      string             `json:"dom-snapshot,omitempty"`
	Resources        []browser.Resource `json:"resources,omitempty"`
}

// defaultValidate checks a snapshot request and resolves its URL against the
// base URL when one is set.
func defaultValidate(opts *SnapshotOptions) error {
	if opts.Sitemap != "" {
		return nil
	}
	if opts.URL == "" {
		return errors.New("missing required snapshot url")
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
		}
		ref, err := url.Parse(opts.URL)
		if err != nil {
			return fmt.Errorf("invalid snapshot url %q: %w", opts.URL, err)
		}
		opts.URL = base.ResolveReference(ref).String()
	}
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return fmt.Errorf("invalid snapshot url %q: %w", opts.URL, err)
	}
	return nil
}

// defaultGather expands one request into concrete snapshots, pulling every
// page of a sitemap when one is given and filling capture defaults from the
// merged config.
func defaultGather(ctx context.Context, p *Percy, opts SnapshotOptions) ([]Snapshot, error) {
	if opts.Sitemap != "" {
		urls, err := fetchSitemap(ctx, opts.Sitemap)
		if err != nil {
			return nil, err
		}
		var snaps []Snapshot
		for _, u := range urls {
			snaps = append(snaps, p.buildSnapshot(SnapshotOptions{URL: u, Widths: opts.Widths, MinHeight: opts.MinHeight}))
		}
		return snaps, nil
	}
	return []Snapshot{p.buildSnapshot(opts)}, nil
}

func (p *Percy) buildSnapshot(opts SnapshotOptions) Snapshot {
	cfg := p.Config()
	s := Snapshot{
		Name:                opts.Name,
		URL:                 opts.URL,
		Widths:              opts.Widths,
		MinHeight:           opts.MinHeight,
		PercyCSS:            opts.PercyCSS,
		EnableJavaScript:    opts.EnableJavaScript || cfg.Snapshot.EnableJavaScript,
		AdditionalSnapshots: opts.AdditionalSnapshots,
	}
	if s.Name == "" {
		s.Name = snapshotName(opts.URL)
	}
	if len(s.Widths) == 0 {
		s.Widths = cfg.Snapshot.Widths
	}
	if s.MinHeight == 0 {
		s.MinHeight = cfg.Snapshot.MinHeight
	}
	if s.PercyCSS == "" {
		s.PercyCSS = cfg.Snapshot.PercyCSS
	}
	return s
}

// snapshotName derives a display name from a URL: its path plus query, or
// "/" for the bare origin.
func snapshotName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	name := u.Path
	if name == "" {
		name = "/"
	}
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	return name
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func fetchSitemap(ctx context.Context, sitemap string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemap, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemap, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemap, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap %s: status %d", sitemap, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sitemap %s: %w", sitemap, err)
	}
	var set sitemapURLSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemap, err)
	}
	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("sitemap %s contains no urls", sitemap)
	}
	return urls, nil
}

// defaultDiscover captures a snapshot through the shared browser and hands
// the payload for the snapshot and each additional name to onSnapshot. In dry
// run mode the payloads carry no captured content.
func defaultDiscover(ctx context.Context, p *Percy, s Snapshot, onSnapshot func(name string, payload any) error) error {
	if p.opts.DryRun {
		for _, name := range append([]string{s.Name}, additionalNames(s)...) {
			if err := onSnapshot(name, &SnapshotPayload{Name: name, URL: s.URL, Widths: s.Widths, MinHeight: s.MinHeight}); err != nil {
				return err
			}
		}
		return nil
	}

	capturer, ok := p.browser.(interface {
		Capture(ctx context.Context, opts browser.CaptureOptions) (*browser.Capture, error)
	})
	if !ok {
		return errors.New("browser does not support resource discovery")
	}

	cfg := p.Config()
	width := 0
	if len(s.Widths) > 0 {
		width = s.Widths[0]
	}
	capture, err := capturer.Capture(ctx, browser.CaptureOptions{
		URL:                s.URL,
		Width:              width,
		MinHeight:          s.MinHeight,
		NetworkIdleTimeout: time.Duration(cfg.Discovery.NetworkIdleTimeoutMS) * time.Millisecond,
		AllowedHostnames:   cfg.Discovery.AllowedHostnames,
		DisableCache:       cfg.Discovery.DisableCache,
	})
	if err != nil {
		return fmt.Errorf("discover %s: %w", s.Name, err)
	}

	for _, name := range append([]string{s.Name}, additionalNames(s)...) {
		payload := &SnapshotPayload{
			Name:             name,
			URL:              s.URL,
			Widths:           s.Widths,
			MinHeight:        s.MinHeight,
			EnableJavaScript: s.EnableJavaScript,
			DOMSnapshot:      capture.DOM,
			Resources:        capture.Resources,
		}
		if err := onSnapshot(name, payload); err != nil {
			return err
		}
	}
	return nil
}

func additionalNames(s Snapshot) []string {
	names := make([]string, 0, len(s.AdditionalSnapshots))
	for _, a := range s.AdditionalSnapshots {
		names = append(names, a.Name)
	}
	return names
}
