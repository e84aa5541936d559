package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/example/evofit/analysis"
	"github.com/example/evofit/pkg/fitness"
	"github.com/example/evofit/pkg/metareg"
)

// inputBundle is the JSON shape the upstream aggregation layer hands over:
// experimental observation units plus their ancestral reference units.
type inputBundle struct {
	Observations []fitness.ObservationUnit `json:"observations"`
	References   []fitness.ReferenceUnit   `json:"references"`
}

func main() {
	var (
		inputPath   = flag.String("input", "", "path to the JSON observation bundle")
		outputPath  = flag.String("output", "", "path for the JSON report (default stdout)")
		transform   = flag.String("transform", string(fitness.TransformLogRatio), "fitness transform: difference, ratio, log-ratio")
		metricsAddr = flag.String("metrics-addr", "", "optional listen address for Prometheus metrics")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *inputPath == "" {
		logger.Fatal("missing required -input path")
	}

	cfg := analysis.DefaultConfig()
	cfg.Transform = fitness.Transform(*transform)
	// Propagation constants are overridable from the environment
	// (EVOFIT_REPLICATE_CORRELATION and friends) so results can be
	// re-derived under different assumptions.
	if err := env.ParseWithOptions(&cfg.Propagation, env.Options{Prefix: "EVOFIT_"}); err != nil {
		logger.Fatal("parsing propagation environment", zap.Error(err))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		metareg.RegisterMetrics(mux)
		go func() {
			logger.Info("metrics server listening", zap.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	raw, err := os.ReadFile(*inputPath)
	if err != nil {
		logger.Fatal("reading input", zap.Error(err))
	}
	var bundle inputBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		logger.Fatal("decoding input", zap.Error(err))
	}

	fw, err := analysis.NewFramework(logger, cfg)
	if err != nil {
		logger.Fatal("configuring analysis", zap.Error(err))
	}
	report, err := fw.Run(context.Background(), bundle.Observations, bundle.References)
	if err != nil {
		logger.Fatal("analysis failed", zap.Error(err))
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal("encoding report", zap.Error(err))
	}
	out = append(out, '\n')

	if *outputPath == "" {
		if _, err := os.Stdout.Write(out); err != nil {
			logger.Fatal("writing report", zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(*outputPath, out, 0o644); err != nil {
		logger.Fatal("writing report", zap.Error(err))
	}
	logger.Info("report written", zap.String("path", *outputPath),
		zap.Int("records", len(report.Records)), zap.Int("models", len(report.Models)))
}
