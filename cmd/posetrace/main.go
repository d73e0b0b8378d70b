package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayusman/posetrace/internal/app"
	"github.com/ayusman/posetrace/internal/config"
	"github.com/ayusman/posetrace/internal/detector"
	"github.com/ayusman/posetrace/internal/server"
	"github.com/ayusman/posetrace/internal/server/api"
	"github.com/ayusman/posetrace/internal/store"
	"github.com/ayusman/posetrace/internal/trace"
	"github.com/ayusman/posetrace/internal/transcode"
)

const usage = `posetrace - pose skeleton overlay for videos

Usage:
  posetrace annotate -in IN -out OUT [flags]   annotate one video
  posetrace serve [-config FILE] [-addr :8080] run the job API
  posetrace probe FILE                         describe a video with ffprobe
  posetrace runs [-db FILE] [-status S]        list recorded runs
  posetrace config -out FILE                   write the default configuration

Run "posetrace <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "annotate":
		err = runAnnotate(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "probe":
		err = runProbe(ctx, os.Args[2:])
	case "runs":
		err = runRuns(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		stop()
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// intList is a comma separated list of landmark indices.
type intList []int

func (l *intList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	*l = intList{}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid landmark index %q", part)
		}
		*l = append(*l, v)
	}
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// flagsSet returns the names of flags given on the command line.
func flagsSet(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// defaultDBPath returns ~/.posetrace/posetrace.db, creating the directory.
func defaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	dbDir := filepath.Join(homeDir, ".posetrace")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return filepath.Join(dbDir, "posetrace.db"), nil
}

// newDetector builds the configured pose detector.
func newDetector(cfg *config.Config) (detector.Detector, error) {
	if cfg.Detector.Mock {
		log.Println("using mock pose detector")
		d := detector.NewMockDetector()
		d.SetPose(detector.StandingPoseLandmarks())
		return d, nil
	}

	d, err := detector.NewMediaPipeDetector(cfg.Detector.DetectorConfig())
	if err != nil {
		return nil, fmt.Errorf("MediaPipe not available: %w", err)
	}
	log.Println("using MediaPipe pose detection")
	return d, nil
}

// newApp wires an App from the configuration.
func newApp(cfg *config.Config, st *store.Store) (*app.App, error) {
	opts := cfg.Render.PolicyOptions()

	a := app.New(app.Config{
		DrawSkeleton:    cfg.Render.DrawSkeleton,
		AllLandmarks:    cfg.Render.AllLandmarks,
		CalculateAngle:  cfg.Render.CalculateAngle,
		Excluded:        opts.Excluded,
		LandmarkStyle:   opts.LandmarkStyle,
		ConnectionStyle: opts.ConnectionStyle,
		MinVisibility:   cfg.Render.MinVisibility,
		Codec:           cfg.Encode.Codec,
		ScratchDir:      cfg.Encode.ScratchDir,
		Verify:          cfg.Finalize.Verify,
		TracePath:       cfg.Trace.Path,
		TraceFormat:     trace.Format(cfg.Trace.Format),
		Store:           st,
	})
	a.SetFinalizer(transcode.New(cfg.Finalize.Options()))

	d, err := newDetector(cfg)
	if err != nil {
		if cfg.Render.DrawSkeleton || cfg.Trace.Path != "" {
			a.Close()
			return nil, err
		}
		log.Printf("%v; continuing without detection", err)
		d = nil
	}
	a.SetDetector(d)
	return a, nil
}

func runAnnotate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("annotate", flag.ExitOnError)
	var (
		in             = fs.String("in", "", "input video")
		out            = fs.String("out", "", "output video (.mp4)")
		configPath     = fs.String("config", "", "YAML configuration file")
		allLandmarks   = fs.Bool("all-landmarks", true, "draw every landmark")
		drawSkeleton   = fs.Bool("draw-skeleton", true, "draw the skeleton overlay")
		calculateAngle = fs.Bool("calculate-angle", false, "reserved, has no effect")
		tracePath      = fs.String("trace", "", "write per-frame landmarks to this file")
		traceFormat    = fs.String("trace-format", "", "trace format: json or msgpack (default: from extension)")
		dbPath         = fs.String("db", "", "record the run in this database")
		mockDetector   = fs.Bool("mock-detector", false, "use a fixed standing pose instead of MediaPipe")
		encoder        = fs.String("encoder", "", "h264 encoder: libx264, h264_nvenc, h264_videotoolbox or auto")
		verify         = fs.Bool("verify", false, "probe the output and check it against the input")
		exclude        intList
	)
	fs.Var(&exclude, "exclude", "comma separated landmark indices left out of reduced overlays")
	fs.Parse(args)

	if *in == "" || *out == "" {
		fs.Usage()
		return errors.New("-in and -out are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	set := flagsSet(fs)
	if set["all-landmarks"] {
		cfg.Render.AllLandmarks = *allLandmarks
	}
	if set["draw-skeleton"] {
		cfg.Render.DrawSkeleton = *drawSkeleton
	}
	if set["calculate-angle"] {
		cfg.Render.CalculateAngle = *calculateAngle
	}
	if set["exclude"] {
		cfg.Render.ExcludedLandmarks = exclude
	}
	if set["trace"] {
		cfg.Trace.Path = *tracePath
	}
	if set["trace-format"] {
		cfg.Trace.Format = *traceFormat
	}
	if set["db"] {
		cfg.Store.Path = *dbPath
	}
	if set["mock-detector"] {
		cfg.Detector.Mock = *mockDetector
	}
	if set["encoder"] {
		cfg.Finalize.Encoder = *encoder
	}
	if set["verify"] {
		cfg.Finalize.Verify = *verify
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer st.Close()
	}

	a, err := newApp(cfg, st)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Run(ctx, *in, *out)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d frames (%d with pose), %dx%d @ %.3f fps, %s\n",
		result.OutputPath, result.Frames, result.Detected,
		result.Properties.Width, result.Properties.Height, result.Properties.FPS,
		result.Elapsed.Round(time.Millisecond))
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "YAML configuration file")
		addr       = fs.String("addr", "", "listen address (default from config, :8080)")
		dbPath     = fs.String("db", "", "run history database (default ~/.posetrace/posetrace.db)")
		staticDir  = fs.String("static", "", "serve static files from this directory")
	)
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Path, err = defaultDBPath(); err != nil {
			return err
		}
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	a, err := newApp(cfg, st)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := server.NewProgressHub()
	defer hub.Close()
	a.SetProgress(hub.Publish)

	worker := api.NewWorker(a, st, cfg.Server.QueueSize)
	srv := server.New(server.Config{
		StaticDir: *staticDir,
		Store:     st,
		Worker:    worker,
		Progress:  hub,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		log.Printf("starting server on %s", cfg.Server.Addr)
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	})

	err = g.Wait()
	log.Println("server stopped")
	return err
}

func runProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	ffprobe := fs.String("ffprobe", "ffprobe", "ffprobe binary")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("usage: posetrace probe FILE")
	}

	opts := transcode.DefaultOptions()
	opts.FFprobePath = *ffprobe
	res, err := transcode.New(opts).Probe(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var (
		dbPath = fs.String("db", "", "run history database (default ~/.posetrace/posetrace.db)")
		status = fs.String("status", "", "only list runs with this status")
		limit  = fs.Int("limit", 20, "maximum number of runs, 0 for all")
	)
	fs.Parse(args)

	path := *dbPath
	if path == "" {
		var err error
		if path, err = defaultDBPath(); err != nil {
			return err
		}
	}

	st, err := store.New(path)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	runs, err := st.Runs().List(store.RunStatus(*status), *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFRAMES\tDETECTED\tINPUT\tOUTPUT\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Frames, r.Detected, r.Input, r.Output, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("out", "posetrace.yaml", "file to write")
	fs.Parse(args)

	if err := config.Default().Save(*out); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
