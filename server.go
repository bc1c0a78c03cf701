package ferry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/transport/httpdir"
)

type ServerOpts struct {
	Path string
	Addr string

	// Metrics exposes the prometheus registry under /metrics.
	Metrics bool
}

// Server publishes a local directory over the httpdir protocol so that
// http:// sessions can download from it.
type Server struct {
	opts ServerOpts
	http *httpdir.Server
	mux  *http.ServeMux
}

func NewServer(opts ServerOpts) *Server {
	s := &Server{opts: opts, http: httpdir.NewServer(opts.Path), mux: http.NewServeMux()}
	s.mux.Handle("/", s.http)
	if opts.Metrics {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Info("serving directory", logging.Path(s.opts.Path), zap.String("addr", s.opts.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
