// Command trafficcount counts vehicles crossing configured lines and zones
// in per-frame detector output, one JSON-lines file per video.
//
//	trafficcount -config site.json -fps 25 -out reports/ cam1.jsonl cam2.jsonl
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/engine"
	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/report"
	"github.com/banshee-data/traffic.report/internal/store"
	"github.com/banshee-data/traffic.report/internal/version"
)

func main() {
	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("trafficcount: %v", err)
	}
}

type options struct {
	configPath string
	format     string
	fps        float64
	dbPath     string
	outDir     string
	logLevel   string
	jobs       int
	version    bool
	inputs     []string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fsFlags := flag.NewFlagSet("trafficcount", flag.ContinueOnError)
	fsFlags.StringVar(&opts.configPath, "config", "", "path to JSON engine config (defaults apply when empty)")
	fsFlags.StringVar(&opts.format, "format", "", "input format: columns or items (overrides config)")
	fsFlags.Float64Var(&opts.fps, "fps", 0, "video frame rate (overrides config)")
	fsFlags.StringVar(&opts.dbPath, "db", os.Getenv("TRAFFIC_DB"), "sqlite database to store runs in (optional)")
	fsFlags.StringVar(&opts.outDir, "out", "", "directory for <input>.report.json files; stdout when empty")
	fsFlags.StringVar(&opts.logLevel, "log-level", envOr("TRAFFIC_LOG_LEVEL", "info"), "log level")
	fsFlags.IntVar(&opts.jobs, "jobs", runtime.NumCPU(), "videos processed concurrently")
	fsFlags.BoolVar(&opts.version, "version", false, "print version and exit")
	if err := fsFlags.Parse(args); err != nil {
		return nil, err
	}
	opts.inputs = fsFlags.Args()
	if opts.version {
		return opts, nil
	}
	if len(opts.inputs) == 0 {
		return nil, errors.New("at least one input file is required")
	}
	if opts.fps < 0 {
		return nil, fmt.Errorf("invalid -fps %g", opts.fps)
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.EmptyConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.fps > 0 {
		cfg = cfg.WithFPS(opts.fps)
	}
	if opts.format != "" {
		cfg = cfg.WithInputFormat(opts.format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.version {
		_, err := fmt.Fprintln(stdout, version.String())
		return err
	}
	if err := monitoring.SetLevel(opts.logLevel); err != nil {
		return fmt.Errorf("invalid -log-level: %w", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	monitoring.WithFields(monitoring.Fields{"inputs": len(opts.inputs), "jobs": opts.jobs}).Info(version.String())

	jobs := make([]engine.Job, 0, len(opts.inputs))
	for _, path := range opts.inputs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		src, err := detection.NewSource(detection.Format(cfg.GetInputFormat()), f)
		if err != nil {
			return err
		}
		jobs = append(jobs, engine.Job{Name: path, Config: cfg, Source: src})
	}

	results, runErr := engine.RunAll(ctx, opts.jobs, jobs...)

	var db *store.Store
	if opts.dbPath != "" {
		if db, err = store.Open(opts.dbPath); err != nil {
			return err
		}
		defer db.Close()
	}

	names := reportFileNames(opts.inputs)
	outputs := make([]report.Output, 0, len(results))
	for i, r := range results {
		if r.Output.Report.Metadata.RunID == "" {
			continue // engine never started
		}
		outputs = append(outputs, r.Output)
		monitoring.WithFields(monitoring.Fields{
			"source":   r.Name,
			"run_id":   r.Output.Report.Metadata.RunID,
			"vehicles": r.Output.Report.Summary.TotalVehicles,
		}).Info("report ready")

		if db != nil && r.Err == nil {
			if err := db.SaveRun(ctx, r.Output); err != nil {
				return fmt.Errorf("save %s: %w", r.Name, err)
			}
		}
		if opts.outDir != "" {
			if err := writeReport(opts.outDir, names[i], r.Output); err != nil {
				return err
			}
		}
	}

	if opts.outDir == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outputs); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return runErr
}

func writeReport(dir, name string, out report.Output) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// reportFileNames maps each input to a distinct report file name. Inputs
// whose names collide, such as a/cam.jsonl and b/cam.jsonl, get a numeric
// suffix in input order.
func reportFileNames(inputs []string) []string {
	seen := make(map[string]bool, len(inputs))
	out := make([]string, len(inputs))
	for i, input := range inputs {
		base := reportBaseName(input)
		name := base
		for n := 2; seen[name]; n++ {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		seen[name] = true
		out[i] = name + ".report.json"
	}
	return out
}

// reportBaseName derives a safe file name stem from an input path:
// characters outside [A-Za-z0-9._-] become a single underscore.
func reportBaseName(input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	var b strings.Builder
	const maxLen = 128
	lastUnderscore := false
	for _, r := range base {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		name = "input"
	}
	return name
}
