package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/alert"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/config"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/ingest"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/storage"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// errCoverage is returned by -verify when the stored keys do not tile the
// requested range exactly.
var errCoverage = errors.New("stored windows do not cover the range")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "executions-copier: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	event      string
	symbol     string
	first      uint64
	last       uint64
	resume     bool
	verify     bool
	deep       bool
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("executions-copier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file")
	fs.StringVar(&opts.event, "event", "", "job event: inline JSON, @file, or - for stdin")
	fs.StringVar(&opts.symbol, "symbol", "", "product code, e.g. BTC_JPY")
	fs.Uint64Var(&opts.first, "first", 0, "first execution ID (inclusive)")
	fs.Uint64Var(&opts.last, "last", 0, "last execution ID (inclusive)")
	fs.BoolVar(&opts.resume, "resume", false, "continue from the saved checkpoint")
	fs.BoolVar(&opts.verify, "verify", false, "check stored windows for gaps and overlaps, then exit")
	fs.BoolVar(&opts.deep, "deep", false, "with -verify, also read every page and check its records")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	log := logging.Setup(cfg.LogConfig(), stderr)
	log.Info("executions copier", "version", ingest.Version, "git_sha", ingest.GitSHA)

	state, err := jobState(cfg, opts)
	if err != nil {
		return err
	}

	store, err := storage.NewPageStore(ctx, cfg.StorageConfig(state.Symbol))
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	cat := catalog.NewWriter(ctx, cfg.CatalogConfig(), log)
	defer cat.Close()

	if opts.verify {
		v := verifier{store: store, deep: opts.deep, log: log}
		if cfg.Catalog.PostgresDSN != "" {
			v.cat = cat
		}
		return v.run(ctx, state, stdout)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.Metrics.Namespace)
	if mc := cfg.MetricsConfig(); mc.Enabled {
		go func() {
			log.Info("metrics server listening", "address", mc.Address)
			if err := metrics.StartServer(mc.Address, reg); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	src, err := source.NewExecutionSource(cfg.SourceConfig())
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	loc, err := alert.LoadLocation(cfg.Alert.Timezone)
	if err != nil {
		return err
	}
	notifier := alert.NewNotifier(cfg.AlertConfig(), log)
	defer notifier.Close()
	name := state.Name
	if name == "" {
		name = ingest.DefaultName
	}
	sink := alert.NewSink(notifier, name, loc, log)

	checkpoints, err := checkpoint.NewManager(cfg.CheckpointConfig())
	if err != nil {
		return err
	}
	if opts.resume {
		state, err = resumeState(ctx, state, checkpoints, cat, log)
		if err != nil {
			return err
		}
	}

	env := ingest.Env{
		Source:  src,
		Store:   store,
		Alerts:  sink,
		Metrics: m,
		Log:     log,
	}
	ctrl, err := ingest.NewController(cfg.EngineConfig(), env,
		ingest.WithCheckpoint(checkpoints),
		ingest.WithCatalog(cat),
	)
	if err != nil {
		return err
	}

	var desc ingest.CompletionDescriptor
	if state.Cursor != 0 && state.Cursor >= state.Last {
		log.Info("range already stored", "symbol", state.Symbol, "last", state.Last)
		desc = ingest.CompletionDescriptor{
			Name:       name,
			First:      state.First,
			Last:       state.Last,
			State:      ingest.StateCompleted,
			InvokeNext: state.InvokeNext,
		}
	} else {
		desc, err = ctrl.Run(ctx, state)
		if err != nil {
			var rerr *ingest.RoundError
			if errors.As(err, &rerr) {
				log.Error("copy failed", "cursor", rerr.Cursor, "resume_from", rerr.ResumeFrom(), "error", err)
			}
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	return enc.Encode(desc)
}

// jobState merges the configured job, the event and explicit flags, in
// that order of precedence.
func jobState(cfg config.Config, opts options) (ingest.JobState, error) {
	state := cfg.JobState()
	if opts.event != "" {
		data, err := readEvent(opts.event)
		if err != nil {
			return state, err
		}
		in, err := ingest.ParseJobInput(data)
		if err != nil {
			return state, err
		}
		state = in.State(cfg.Job.Name)
	}
	if opts.set["symbol"] {
		state.Symbol = opts.symbol
	}
	if opts.set["first"] {
		state.First = opts.first
	}
	if opts.set["last"] {
		state.Last = opts.last
	}
	state.Symbol = strings.ToUpper(strings.TrimSpace(state.Symbol))
	if state.Symbol == "" {
		return state, fmt.Errorf("%w: symbol is required", ingest.ErrPrecondition)
	}
	return state, nil
}

func readEvent(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read event file: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

// resumeState sets the cursor from the saved checkpoint, or from the
// catalog when no checkpoint exists. A checkpoint for a different range is
// ignored. The catalog cursor is the end of the contiguous run of recorded
// windows starting at First, so a hole below a later window is refetched.
func resumeState(ctx context.Context, state ingest.JobState, checkpoints checkpoint.Manager, cat catalog.Writer, log *slog.Logger) (ingest.JobState, error) {
	cp, err := checkpoints.Load(ctx, state.Symbol)
	switch {
	case err == nil:
		if cp.First != state.First || cp.Last != state.Last {
			log.Warn("checkpoint is for a different range, starting fresh",
				"checkpoint_first", cp.First, "checkpoint_last", cp.Last)
			return state, nil
		}
		log.Info("resuming from checkpoint", "cursor", cp.Cursor, "run_id", cp.RunID)
		state.Cursor = cp.Cursor
		return state, nil
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		return state, fmt.Errorf("load checkpoint: %w", err)
	}

	gaps, err := cat.CoverageGaps(ctx, state.Symbol, state.First, state.Last)
	if err != nil {
		log.Warn("catalog lookup failed, starting fresh", "error", err)
		return state, nil
	}
	cursor := catalog.ContiguousTo(gaps, state.First, state.Last)
	if cursor < state.First {
		log.Info("no checkpoint found, starting fresh")
		return state, nil
	}
	if len(gaps) > 0 {
		log.Info("resuming from catalog", "cursor", cursor, "gaps", len(gaps), "first_gap", gaps[0].From)
	} else {
		log.Info("resuming from catalog", "cursor", cursor)
	}
	state.Cursor = cursor
	return state, nil
}

// verifier checks stored windows against [First, Last].
type verifier struct {
	store storage.PageStore
	cat   catalog.Writer // nil when no catalog is configured
	deep  bool
	log   *slog.Logger
}

// run lists stored keys and reports every gap and overlap in
// [state.First, state.Last]. With deep set, every page is also read back
// and its records checked against the key.
func (v verifier) run(ctx context.Context, state ingest.JobState, stdout io.Writer) error {
	if state.First == 0 || state.First > state.Last {
		return fmt.Errorf("%w: verify needs 1 <= first <= last, got [%d-%d]", ingest.ErrPrecondition, state.First, state.Last)
	}

	keys, err := v.store.List(ctx, "")
	if err != nil {
		return err
	}
	windows := make([]window.Window, 0, len(keys))
	for _, key := range keys {
		w, err := window.ParseKey(key)
		if err != nil {
			v.log.Warn("skipping unrecognized key", "key", key)
			continue
		}
		windows = append(windows, w)
	}

	problems := 0
	gaps := window.CheckCoverage(windows, state.First, state.Last)
	for _, g := range gaps {
		kind := "gap"
		if g.Overlap {
			kind = "overlap"
		}
		fmt.Fprintf(stdout, "%s %d-%d\n", kind, g.Window.From, g.Window.To)
		problems++
	}

	if v.deep {
		for _, w := range windows {
			if w.To < state.First || w.From > state.Last {
				continue
			}
			if err := v.checkPage(ctx, w); err != nil {
				fmt.Fprintf(stdout, "bad %d-%d: %v\n", w.From, w.To, err)
				problems++
			}
		}
	}

	if v.cat != nil {
		catGaps, err := v.cat.CoverageGaps(ctx, state.Symbol, state.First, state.Last)
		if err != nil {
			v.log.Warn("catalog lookup failed", "error", err)
		}
		for _, g := range catGaps {
			v.log.Warn("catalog has no record", "from", g.From, "to", g.To)
		}
	}

	v.log.Info("verify finished",
		"symbol", state.Symbol,
		"windows", len(windows),
		"problems", problems,
		"deep", v.deep,
	)
	if problems > 0 {
		return fmt.Errorf("%w: %d problems in [%d-%d]", errCoverage, problems, state.First, state.Last)
	}
	fmt.Fprintf(stdout, "ok %d-%d\n", state.First, state.Last)
	return nil
}

// checkPage reads the page stored for w and validates its records.
func (v verifier) checkPage(ctx context.Context, w window.Window) error {
	info, err := v.store.Head(ctx, w.Key())
	if err != nil {
		return err
	}
	if info.ContentType != storage.ContentTypeJSON {
		return fmt.Errorf("content type %q", info.ContentType)
	}
	body, err := v.store.Get(ctx, w.Key())
	if err != nil {
		return err
	}
	page, err := source.DecodePage(body)
	if err != nil {
		return err
	}
	return ingest.ValidatePage(page, w).Err()
}
