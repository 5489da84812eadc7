// ABOUTME: The serve subcommand: runs the read-only HTTP query API until interrupted.
// ABOUTME: Shuts the server down gracefully when the signal context is cancelled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/2389-research/prowzi/server"
)

// shutdownTimeout bounds how long in-flight requests get after a signal.
const shutdownTimeout = 5 * time.Second

func cmdServe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("serve", "[flags]", stderr)
	addr := fs.String("addr", "", "Listen address (default: server.addr from config)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	scfg := server.Config{
		Addr:        a.cfg.Server.Addr,
		Telemetry:   a.telemetry,
		Checkpoints: a.checkpoints,
		StageOrder:  a.stageOrder(),
		Logger:      a.logger,
	}
	if *addr != "" {
		scfg.Addr = *addr
	}
	if a.index != nil {
		scfg.Index = a.index
	}
	srv, err := server.New(scfg)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	if err := serve(ctx, srv.HTTPServer(), ln, stderr); err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	return 0
}

// serve runs hs on ln until ctx is cancelled, then shuts it down.
func serve(ctx context.Context, hs *http.Server, ln net.Listener, stderr io.Writer) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.Serve(ln)
	}()
	fmt.Fprintf(stderr, "listening on http://%s\n", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(stderr, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
