package core

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// serveStatic serves dir over HTTP on an ephemeral loopback port, for
// snapshotting local build output. The returned shutdown function stops it.
func serveStatic(dir string) (addr string, shutdown func() error, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           http.FileServer(http.Dir(dir)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), srv.Close, nil
}
