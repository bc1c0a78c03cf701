package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/b1naryth1ef/ferry"
	"github.com/b1naryth1ef/ferry/filter"
	"github.com/b1naryth1ef/ferry/internal/config"
	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/internal/retry"
	"github.com/b1naryth1ef/ferry/internal/watch"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
	"github.com/b1naryth1ef/ferry/transport"
	"github.com/b1naryth1ef/ferry/transport/httpdir"
	"github.com/b1naryth1ef/ferry/transport/s3"
)

var parallel = flag.IntP("parallel", "p", 1, "number of jobs to transfer at once")
var resume = flag.Bool("resume", false, "continue partially transferred files where the destination allows it")
var action = flag.String("action", "overwrite", "what to do with files that exist at the destination: overwrite, resume or skip")
var haltOnError = flag.Bool("halt-on-error", false, "stop the queue at the first failed job")
var preservePermissions = flag.Bool("preserve-permissions", false, "apply the source permissions to transferred files")
var preserveTimestamps = flag.Bool("preserve-timestamps", true, "apply the source modification time to transferred files")
var partSize = flag.String("part-size", "10MB", "S3 multipart upload part size")
var segmentThreshold = flag.String("segment-threshold", "64MB", "http downloads above this size are split into concurrent ranged requests")
var segments = flag.Int("segments", 4, "number of concurrent ranged requests per split download")
var watchChanges = flag.Bool("watch", false, "sync: run again whenever the local source changes")
var metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
var addr = flag.String("addr", ":9594", "serve: listen address")
var logLevel = flag.String("log-level", "info", "log level: debug, info, warn or error")
var insecure = flag.Bool("insecure", false, "skip TLS certificate and SSH host key verification")
var quiet = flag.BoolP("quiet", "q", false, "print only the result of a transfer")

const usage = `usage: ferry [flags] <command> <args>

commands:
  download <url> <path>   copy a remote tree into a local path
  upload <path> <url>     copy a local tree to a remote location
  copy <url> <url>        copy between two locations
  sync <src> <dst>        copy files whose size or modification time differ
  ls <url>                list a directory
  serve <dir>             publish a directory for http:// downloads

The destination argument names the copy of the source root.
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	err := cli()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func cli() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg)

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}); err != nil {
		return err
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	command, args := args[0], args[1:]
	switch command {
	case "download":
		return transferCommand(ctx, cfg, transfer.KindDownload, args)
	case "upload":
		return transferCommand(ctx, cfg, transfer.KindUpload, args)
	case "copy":
		return transferCommand(ctx, cfg, transfer.KindCopy, args)
	case "sync":
		return transferCommand(ctx, cfg, transfer.KindSync, args)
	case "ls":
		return list(ctx, cfg, args)
	case "serve":
		if len(args) != 1 {
			return fmt.Errorf("serve takes a directory")
		}
		server := ferry.NewServer(ferry.ServerOpts{Path: args[0], Addr: *addr, Metrics: true})
		return server.ListenAndServe(ctx)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// applyFlags lets explicitly set flags override the environment.
func applyFlags(cfg *config.Config) {
	changed := flag.CommandLine.Changed
	if changed("parallel") {
		cfg.Parallelism = max(*parallel, 1)
	}
	if changed("action") {
		cfg.Action = *action
	}
	if changed("halt-on-error") {
		cfg.HaltOnError = *haltOnError
	}
	if changed("preserve-permissions") {
		cfg.DownloadPermissions = *preservePermissions
		cfg.UploadPermissions = *preservePermissions
	}
	if changed("preserve-timestamps") {
		cfg.DownloadTimestamps = *preserveTimestamps
		cfg.UploadTimestamps = *preserveTimestamps
	}
	if changed("part-size") {
		if n, err := config.ParseBytes(*partSize); err == nil {
			cfg.PartSize = n
		} else {
			fmt.Fprintf(os.Stderr, "ignoring --part-size: %v\n", err)
		}
	}
	if changed("segment-threshold") {
		if n, err := config.ParseBytes(*segmentThreshold); err == nil {
			cfg.SegmentThreshold = n
		} else {
			fmt.Fprintf(os.Stderr, "ignoring --segment-threshold: %v\n", err)
		}
	}
	if changed("segments") {
		cfg.SegmentConcurrency = *segments
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if changed("insecure") {
		cfg.Insecure = *insecure
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
	}
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		S3: s3.Options{
			Endpoint:           cfg.S3Endpoint,
			Region:             cfg.S3Region,
			PathStyle:          cfg.S3PathStyle,
			MultipartThreshold: cfg.MultipartThreshold,
			PartSize:           cfg.PartSize,
		},
		Segments: httpdir.ConcurrentTransferOpts{
			Threshold:   cfg.SegmentThreshold,
			Concurrency: int64(cfg.SegmentConcurrency),
		},
	}
}

func open(cfg *config.Config, raw string) (session.Session, *remote.Path, error) {
	host, path, err := transport.ParseURL(raw)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Insecure {
		host.Options["insecure"] = "true"
	}
	s, err := transport.Open(host, transportOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	root, err := remote.NewPath(path, remote.TypeDirectory)
	if err != nil {
		return nil, nil, err
	}
	return s, root, nil
}

func preferences(cfg *config.Config, kind transfer.Kind) (filter.Preferences, error) {
	a, err := filter.ParseAction(cfg.Action)
	if err != nil {
		return filter.Preferences{}, err
	}
	prefs := filter.Preferences{
		Action:              a,
		PreservePermissions: cfg.UploadPermissions,
		PreserveTimestamps:  cfg.UploadTimestamps,
	}
	if kind == transfer.KindDownload {
		prefs.PreservePermissions = cfg.DownloadPermissions
		prefs.PreserveTimestamps = cfg.DownloadTimestamps
	}
	return prefs, nil
}

func transferCommand(ctx context.Context, cfg *config.Config, kind transfer.Kind, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%s takes a source and a destination", kind)
	}
	src, srcRoot, err := open(cfg, args[0])
	if err != nil {
		return err
	}
	dst, dstRoot, err := open(cfg, args[1])
	if err != nil {
		return err
	}
	// one session lets the backend copy server side; the queue opens a
	// second connection when it cannot
	if src.Host().Equal(dst.Host()) {
		dst = src
	}
	prefs, err := preferences(cfg, kind)
	if err != nil {
		return err
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = max(cfg.RetryAttempts, 1)
	q := ferry.NewQueue(ferry.Options{
		Kind:            kind,
		Source:          src,
		SourceRoot:      srcRoot,
		Destination:     dst,
		DestinationRoot: dstRoot,
		Preferences:     prefs,
		Parallelism:     cfg.Parallelism,
		HaltOnError:     cfg.HaltOnError,
		SpeedSamples:    cfg.SpeedSamples,
		SpeedInterval:   cfg.SpeedInterval,
		ClockInterval:   cfg.ClockInterval,
		Retry:           rc,
		Prompt:          prompt(cfg.Password),
	})

	events, _ := q.Subscribe(64)
	printed := make(chan struct{})
	go printEvents(events, printed)

	err = runOnce(ctx, q, *resume || cfg.Action == "resume")
	if err == nil && kind == transfer.KindSync && *watchChanges {
		err = watchAndSync(ctx, q, src, srcRoot)
	}

	if cerr := q.Close(); cerr != nil {
		logging.Warn("failed to close sessions", zap.Error(cerr))
	}
	<-printed
	return err
}

// runOnce runs the queue to its end. An interrupt cancels the queue at the
// next chunk.
func runOnce(ctx context.Context, q *ferry.Queue, resume bool) error {
	if err := q.Start(context.Background(), resume); err != nil {
		return err
	}
	select {
	case <-q.Done():
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, color.YellowString("\nCanceling..."))
		q.Cancel()
		<-q.Done()
	}

	err := q.Wait(context.Background())
	summary := q.Summary()
	p := q.Progress()
	line := fmt.Sprintf("%s, %s in %s", summary, humanize.Bytes(uint64(p.Transferred)), ferry.FormatClock(p.Elapsed))
	if q.State() == ferry.StateCompleted && err == nil {
		fmt.Fprintln(os.Stderr, color.GreenString(line))
	} else {
		fmt.Fprintln(os.Stderr, color.YellowString(line))
	}
	var incomplete *ferry.IncompleteError
	if errors.As(err, &incomplete) && errors.Is(err, transfer.ErrCanceled) {
		return nil
	}
	return err
}

func watchAndSync(ctx context.Context, q *ferry.Queue, src session.Session, root *remote.Path) error {
	if src.Host().Protocol != session.ProtocolLocal {
		return fmt.Errorf("--watch needs a local source")
	}
	dir := filepath.Join(src.Host().Option("root", "/"), filepath.FromSlash(root.Absolute()))
	w, err := watch.New(dir, time.Second)
	if err != nil {
		return err
	}
	defer w.Stop()
	w.Start(ctx)

	fmt.Fprintf(os.Stderr, "Watching %s for changes\n", dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes():
			if err := runOnce(ctx, q, false); err != nil {
				logging.Error("sync failed", logging.Path(dir), zap.Error(err))
			}
		}
	}
}

func printEvents(events <-chan ferry.Event, done chan struct{}) {
	defer close(done)
	for e := range events {
		if *quiet {
			continue
		}
		switch e.Type {
		case ferry.EventProgress:
			fmt.Fprintf(os.Stderr, "\r\033[K%s\n", e.Message)
		case ferry.EventData:
			fmt.Fprintf(os.Stderr, "\r\033[K%s", e.Message)
		case ferry.EventState:
			if e.Message != "" {
				fmt.Fprint(os.Stderr, "\r\033[K")
			}
			logging.Debug("queue state", zap.Stringer("state", e.State))
		}
	}
}

// prompt asks on the terminal for credentials the host does not carry. A
// password from the environment is used without asking.
func prompt(password string) session.LoginCallback {
	return session.LoginFunc(func(ctx context.Context, host *session.Host, reason string) (session.Credentials, error) {
		creds := host.Credentials
		if password != "" {
			creds.Password = password
			return creds, nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return creds, session.ErrLoginCanceled
		}
		if creds.Username == "" {
			fmt.Fprintf(os.Stderr, "Username for %s: ", host)
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return creds, session.ErrLoginCanceled
			}
			creds.Username = strings.TrimSpace(line)
		}
		fmt.Fprintf(os.Stderr, "%s. Password for %s@%s: ", reason, creds.Username, host.Hostname)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return creds, err
		}
		creds.Password = string(secret)
		return creds, nil
	})
}

func list(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("ls takes a location")
	}
	s, dir, err := open(cfg, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Login(ctx, prompt(cfg.Password)); err != nil {
		return err
	}

	blue := color.New(color.FgBlue, color.Bold).SprintFunc()
	_, err = s.List(ctx, dir, session.ListFunc(func(_ *remote.Path, batch []*remote.Path) error {
		for _, p := range batch {
			attrs := p.Attributes()
			name := p.Name()
			size := humanize.Bytes(uint64(attrs.Size))
			if p.IsDirectory() {
				name = blue(name + "/")
				size = "-"
			}
			modified := "-"
			if !attrs.Modified.IsZero() {
				modified = attrs.Modified.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-6s %9s  %s  %s\n", attrs.Permission, size, modified, name)
		}
		return nil
	}))
	return err
}
