package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Resource is one asset referenced by a captured page.
type Resource struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	SHA      string `json:"sha"`
	Content  []byte `json:"-"`
	Root     bool   `json:"root,omitempty"`
}

// CaptureOptions configures a single page capture.
type CaptureOptions struct {
	URL                string
	Width              int
	MinHeight          int
	NetworkIdleTimeout time.Duration
	AllowedHostnames   []string
	DisableCache       bool
}

// Capture is the result of rendering a page: its serialized DOM plus every
// discovered resource, DOM first.
type Capture struct {
	DOM       string
	Resources []Resource
}

func blankTarget() proto.TargetCreateTarget {
	return proto.TargetCreateTarget{URL: "about:blank"}
}

// Capture navigates a fresh page to opts.URL, records every allowed network
// response while the page settles, and returns the serialized DOM with the
// discovered resources.
func (b *Browser) Capture(ctx context.Context, opts CaptureOptions) (*Capture, error) {
	page, err := b.page(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	if opts.Width > 0 {
		height := opts.MinHeight
		if height <= 0 {
			height = 1024
		}
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  opts.Width,
			Height: height,
		}); err != nil {
			return nil, fmt.Errorf("set viewport: %w", err)
		}
	}
	if opts.DisableCache {
		if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(page); err != nil {
			return nil, fmt.Errorf("disable cache: %w", err)
		}
	}

	pageHost := hostOf(opts.URL)
	var (
		resources []Resource
		seen      = map[string]struct{}{}
	)
	router := page.HijackRequests()
	err = router.Add("*", "", func(h *rod.Hijack) {
		reqURL := h.Request.URL().String()
		if err := h.LoadResponse(http.DefaultClient, true); err != nil {
			b.log.Debugf("Failed to load %s: %v", reqURL, err)
			return
		}
		if !allowedHost(hostOf(reqURL), pageHost, opts.AllowedHostnames) {
			return
		}
		if _, dup := seen[reqURL]; dup {
			return
		}
		seen[reqURL] = struct{}{}
		body := []byte(h.Response.Body())
		sum := sha256.Sum256(body)
		resources = append(resources, Resource{
			URL:      reqURL,
			Mimetype: h.Response.Headers().Get("Content-Type"),
			SHA:      hex.EncodeToString(sum[:]),
			Content:  body,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("hijack requests: %w", err)
	}
	go router.Run()
	defer func() { _ = router.Stop() }()

	if err := page.Navigate(opts.URL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", opts.URL, err)
	}
	idle := opts.NetworkIdleTimeout
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	page.WaitRequestIdle(idle, nil, nil, nil)()

	dom, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("serialize dom: %w", err)
	}

	sum := sha256.Sum256([]byte(dom))
	out := &Capture{DOM: dom}
	out.Resources = append(out.Resources, Resource{
		URL:      opts.URL,
		Mimetype: "text/html",
		SHA:      hex.EncodeToString(sum[:]),
		Content:  []byte(dom),
		Root:     true,
	})
	out.Resources = append(out.Resources, resources...)
	return out, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// allowedHost reports whether a resource host may be captured: the page's own
// host always is, plus any configured allowed hostname.
func allowedHost(host, pageHost string, allowed []string) bool {
	if host == "" || host == pageHost {
		return true
	}
	for _, a := range allowed {
		if host == a {
			return true
		}
	}
	return false
}
