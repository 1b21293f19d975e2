// Command compiler turns a directory of rule YAML files into a compiled
// artifact the runtime loads: parse, validate, analyze (cycle detection +
// layering), emit. Exit code 0 means success; 1 means any IO, validation,
// or compilation error.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aegisshield/telemetry-rules-engine/internal/analyze"
	"github.com/aegisshield/telemetry-rules-engine/internal/config"
	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
	"github.com/aegisshield/telemetry-rules-engine/internal/parser"
	"github.com/aegisshield/telemetry-rules-engine/internal/validate"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rulesDir, artifactOut, manifestOut string

	cmd := &cobra.Command{
		Use:     "telemetry-rules-compiler",
		Short:   "Compile telemetry rule YAML files into an executable artifact",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, rulesDir, artifactOut, manifestOut)
		},
	}

	cmd.Flags().StringVar(&rulesDir, "rules-dir", "", "directory of rule YAML files (overrides config)")
	cmd.Flags().StringVar(&artifactOut, "out", "", "path to write the compiled artifact (overrides config)")
	cmd.Flags().StringVar(&manifestOut, "manifest-out", "", "path to write the manifest (overrides config)")
	return cmd
}

func runCompile(cmd *cobra.Command, rulesDirFlag, artifactOutFlag, manifestOutFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogging(cfg)

	rulesDir := cfg.Rules.SourceDirectory
	if rulesDirFlag != "" {
		rulesDir = rulesDirFlag
	}
	artifactOut := cfg.Rules.ArtifactPath
	if artifactOutFlag != "" {
		artifactOut = artifactOutFlag
	}
	manifestOut := cfg.Rules.ManifestPath
	if manifestOutFlag != "" {
		manifestOut = manifestOutFlag
	}

	doc, err := loadRuleDir(rulesDir)
	if err != nil {
		return fmt.Errorf("loading rules from %s: %w", rulesDir, err)
	}
	logger.Info("loaded rule document", "rules", len(doc.Rules), "source", rulesDir)

	exprCache := exprlang.NewCache()
	knownSensors := make(map[string]bool, len(cfg.Sensors.Valid))
	for _, s := range cfg.Sensors.Valid {
		knownSensors[s] = true
	}

	result := validate.Validate(doc, validate.Options{
		KnownSensors:     knownSensors,
		SamplingPeriodMS: cfg.Cycle.SamplingPeriodMS,
	}, exprCache)
	if !result.OK {
		for _, e := range result.Errors {
			logger.Error("validation error", "error", e)
		}
		return fmt.Errorf("validation failed with %d error(s)", len(result.Errors))
	}

	budgets := analyze.Budgets{
		MaxRulesPerGroup:       cfg.Rules.MaxRulesPerGroup,
		MaxSourceLinesPerGroup: cfg.Rules.MaxSourceLines,
	}
	layering, err := analyze.Compute(doc.Rules, exprCache, budgets)
	if err != nil {
		return fmt.Errorf("layering rules: %w", err)
	}

	artifact := emit.Emit(doc, layering)

	if err := os.MkdirAll(filepath.Dir(artifactOut), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := emit.Save(artifact, artifactOut); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(manifestOut), 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := emit.SaveManifest(artifact, manifestOut); err != nil {
		return err
	}

	logger.Info("compiled rule artifact",
		"layers", len(artifact.Layers),
		"rules", len(artifact.Manifest.Rules),
		"artifact", artifactOut,
		"manifest", manifestOut)
	return nil
}

// loadRuleDir parses every *.yaml/*.yml file under dir into a single
// Document; a rule set may be split across any number of YAML files.
func loadRuleDir(dir string) (*model.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	doc := &model.Document{Version: validate.SupportedVersion}
	seenVersion := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fileDoc, err := parser.Parse(path)
		if err != nil {
			return nil, err
		}
		if !seenVersion {
			doc.Version = fileDoc.Version
			seenVersion = true
		} else if fileDoc.Version != doc.Version {
			return nil, fmt.Errorf("%s: version %d does not match earlier file's version %d", path, fileDoc.Version, doc.Version)
		}
		doc.Rules = append(doc.Rules, fileDoc.Rules...)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("no rules found under %s", dir)
	}
	return doc, nil
}

func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.Debug}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", "telemetry-rules-compiler", "version", version)
	slog.SetDefault(logger)
	return logger
}
