package export

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/internal/config"
	"github.com/pingsantohq/tcpping/internal/sink/datafile"
)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Stdout io.Writer
	Logger *log.Logger
}

// Run executes the dump command: it reads the data directory and writes CSV
// to --output or stdout.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr)
	}

	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to tcpping configuration file (used to find data_dir)")
	dataDirFlag := fs.String("data-dir", "", "Directory holding the data and index files")
	startFlag := fs.String("start", "", "Start datetime (UTC): YYYY-MM-DD [HH:MM[:SS]]")
	endFlag := fs.String("end", "", "End datetime (UTC): YYYY-MM-DD [HH:MM[:SS]]")
	outputPath := fs.String("output", "", "Output CSV file (default stdout)")
	fs.StringVar(outputPath, "o", "", "Shorthand for --output")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var rng Range
	var err error
	if s := strings.TrimSpace(*startFlag); s != "" {
		if rng.Start, err = ParseTime(s); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	if s := strings.TrimSpace(*endFlag); s != "" {
		if rng.End, err = ParseTime(s); err != nil {
			return fmt.Errorf("--end: %w", err)
		}
	}

	dataDir, err := resolveDataDir(ctx, strings.TrimSpace(*dataDirFlag), strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}

	index, err := datafile.ReadIndex(dataDir)
	if err != nil {
		return err
	}
	records, trailing, err := datafile.ReadRecords(dataDir)
	if err != nil {
		return err
	}
	if trailing != 0 {
		deps.Logger.Warn("data file ends with a partial record", "dir", dataDir, "bytes", trailing, "record_size", datafile.RecordSize)
	}

	out := deps.Stdout
	dest := "stdout"
	if *outputPath != "" {
		if err := os.MkdirAll(filepath.Dir(*outputPath), 0o755); err != nil {
			return fmt.Errorf("ensure output directory: %w", err)
		}
		f, err := os.Create(*outputPath)
		if err != nil {
			return fmt.Errorf("create output %q: %w", *outputPath, err)
		}
		defer f.Close()
		out = f
		dest = *outputPath
	}

	rows, err := WriteCSV(out, index, records, rng)
	if err != nil {
		return err
	}
	if rows == 0 {
		deps.Logger.Warn("no data found in the specified range")
		return nil
	}
	deps.Logger.Info("dump complete", "rows", rows, "dest", dest)
	return nil
}

func resolveDataDir(ctx context.Context, flagDir, configPath string) (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	if configPath == "" {
		configPath = config.Path()
	}
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return "", fmt.Errorf("data directory is required (provide via --data-dir or config): %w", err)
	}
	return cfg.Agent.DataDir, nil
}
