// Command pedal-analyse evaluates a logged pedal guard session: scenario
// statistics, the TTC/distance-closure confusion matrix, the evaluation
// buckets and, optionally, throttle and TTC plots.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/pedal.guard/internal/analysis"
	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/db"
)

// Config holds the command line options.
type Config struct {
	CSVPath   string
	DBPath    string
	RunID     string
	OutputDir string
	JSON      bool

	Thresholds analysis.Thresholds
}

func main() {
	cfg := Config{Thresholds: analysis.DefaultThresholds()}
	flag.StringVar(&cfg.CSVPath, "csv", "", "Cycle log CSV to analyse")
	flag.StringVar(&cfg.DBPath, "db", "", "Run database to analyse (instead of -csv)")
	flag.StringVar(&cfg.RunID, "run", "", "Run id within -db (default: latest run)")
	flag.StringVar(&cfg.OutputDir, "plots", "", "Directory for raw/commanded and TTC plots (skipped when empty)")
	flag.BoolVar(&cfg.JSON, "json", false, "Print the report as JSON")
	flag.Float64Var(&cfg.Thresholds.RiskTTC, "risk-ttc", cfg.Thresholds.RiskTTC, "TTC below which a row is high risk (s)")
	flag.Float64Var(&cfg.Thresholds.RiskDistDiff, "risk-dist-diff", cfg.Thresholds.RiskDistDiff, "Closure above which a row is high risk (cm)")
	flag.Float64Var(&cfg.Thresholds.NormalTTC, "normal-ttc", cfg.Thresholds.NormalTTC, "TTC above which a row is normal (s)")
	flag.Float64Var(&cfg.Thresholds.NormalDistDiff, "normal-dist-diff", cfg.Thresholds.NormalDistDiff, "Closure below which a row is normal (cm)")
	flag.Parse()

	if err := run(cfg, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(cfg Config, out io.Writer) error {
	records, err := load(cfg)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("no cycles to analyse")
	}

	report := analysis.Analyze(records, cfg.Thresholds)
	if cfg.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else if err := report.WriteText(out); err != nil {
		return err
	}

	if cfg.OutputDir != "" {
		paths, err := analysis.PlotRun(records, cfg.OutputDir)
		if err != nil {
			return fmt.Errorf("plot: %w", err)
		}
		for _, p := range paths {
			log.Printf("wrote %s", p)
		}
	}
	return nil
}

func load(cfg Config) ([]cyclelog.Record, error) {
	switch {
	case cfg.CSVPath != "" && cfg.DBPath != "":
		return nil, errors.New("-csv and -db are mutually exclusive")
	case cfg.CSVPath != "":
		f, err := os.Open(cfg.CSVPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return cyclelog.ReadCSV(f)
	case cfg.DBPath != "":
		return loadRun(cfg.DBPath, cfg.RunID)
	default:
		return nil, errors.New("one of -csv or -db is required")
	}
}

func loadRun(path, runID string) ([]cyclelog.Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	database, err := db.NewDB(path)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	if runID == "" {
		latest, err := database.LatestRun()
		if err != nil {
			return nil, err
		}
		runID = latest.ID
	}
	cycles, err := database.Cycles(runID, 0)
	if err != nil {
		return nil, err
	}
	records := make([]cyclelog.Record, len(cycles))
	for i, c := range cycles {
		records[i] = cyclelog.FromDBCycle(c)
	}
	return records, nil
}
