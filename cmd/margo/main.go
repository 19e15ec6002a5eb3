// Copyright 2025 The Margo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command margo turns reviewer annotations in a document into an edit plan,
// applies it, and audits the result.
//
// Usage:
//
//	margo process report.docx
//	margo process report.docx --dry-run --model claude-sonnet-4-20250514
//	margo inspect report.docx
//	margo check report.docx
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/margo-ai/margo/pkg/config"
	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/inspector"
	"github.com/margo-ai/margo/pkg/logger"
	"github.com/margo-ai/margo/pkg/pipeline"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Process ProcessCmd `cmd:"" help:"Apply reviewer annotations to a document."`
	Inspect InspectCmd `cmd:"" help:"Print a document's structure and annotations without editing."`
	Check   CheckCmd   `cmd:"" help:"Verify configuration, API key, and document access."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("margo version %s\n", version)
	return nil
}

// ProcessCmd runs the full pipeline on one document.
type ProcessCmd struct {
	Path string `arg:"" help:"Document to process." type:"path"`

	Model   string `help:"Override the planning model."`
	DryRun  bool   `name:"dry-run" help:"Resolve and report every task without touching the file."`
	Output  string `short:"o" help:"Save the edited document to this path as well." type:"path"`
	Verbose bool   `short:"v" help:"Print per-task results and fix suggestions on failure."`
}

func (c *ProcessCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config, c.Model)
	if err != nil {
		return err
	}
	if c.DryRun {
		cfg.Executor.Mode = "dry_run"
	}

	var opts []pipeline.Option
	opts = append(opts, pipeline.WithLogger(slog.Default()))
	if c.Output != "" {
		opts = append(opts, pipeline.WithOutputDocument(c.Output))
	}
	if c.Verbose {
		opts = append(opts, pipeline.WithProgress(func(ev pipeline.ProgressEvent) {
			if ev.Message != "" {
				fmt.Printf("[%s] %s\n", ev.Stage, ev.Message)
			}
		}))
	}

	p, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("interrupt received; finishing current task then stopping")
		cancel()
	}()

	report := p.Run(ctx, c.Path)
	printReport(report, c.Verbose)

	if !report.Success {
		if report.Cancelled {
			return fmt.Errorf("run cancelled")
		}
		return fmt.Errorf("run failed: %s", report.Error)
	}
	return nil
}

func printReport(report *document.RunReport, verbose bool) {
	if report.Plan != nil {
		fmt.Printf("Plan:      %d tasks\n", len(report.Plan.Tasks))
	}
	if report.Execution != nil {
		fmt.Printf("Executed:  %d completed, %d failed, %d skipped\n",
			report.Execution.Completed, report.Execution.Failed, report.Execution.Skipped)
		if verbose {
			for _, r := range report.Execution.TaskResults {
				status := "ok"
				if !r.Success {
					status = "failed"
				}
				fmt.Printf("  %-8s %s: %s\n", status, r.TaskID, r.Message)
			}
		}
	}
	if report.Validation != nil {
		fmt.Printf("Audit:     %d authorized, %d unauthorized changes\n",
			len(report.Validation.Authorized), len(report.Validation.Unauthorized))
		for _, w := range report.Validation.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	if report.RollbackPerformed {
		fmt.Printf("Rolled back to %s\n", report.BackupPath)
	} else if report.BackupPath != "" {
		fmt.Printf("Backup:    %s\n", report.BackupPath)
	}
	for _, a := range report.Artifacts {
		fmt.Printf("Artifact:  %s\n", a)
	}
	if report.DataAtRisk {
		fmt.Fprintf(os.Stderr, "WARNING: the document may be in a partially edited state; check the backup\n")
	}
	if report.Error != "" {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", report.ErrorCode, report.Error)
		if verbose {
			for _, s := range margoerrors.Suggestions(report.ErrorCode) {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", s)
			}
		}
	}
}

// InspectCmd extracts structure and annotations and prints them as JSON.
type InspectCmd struct {
	Path string `arg:"" help:"Document to inspect." type:"path"`
}

func (c *InspectCmd) Run(cli *CLI) error {
	ctx := context.Background()
	sess, err := pipeline.DriverFor(c.Path).Open(ctx, c.Path)
	if err != nil {
		return err
	}
	defer sess.Close()

	insp := inspector.New(slog.Default())
	structure, err := insp.ExtractStructure(sess)
	if err != nil {
		return err
	}
	annotations, err := insp.ExtractAnnotations(sess)
	if err != nil {
		return err
	}

	out := struct {
		Structure   document.Structure    `json:"structure"`
		Annotations []document.Annotation `json:"annotations"`
	}{structure, annotations}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// CheckCmd verifies the run environment without editing anything.
type CheckCmd struct {
	Path string `arg:"" optional:"" help:"Document to test-open." type:"path"`
}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config, "")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("config ok: model %s, mode %s\n", cfg.LLM.Model, cfg.Executor.Mode)
	fmt.Printf("API key present in %s\n", config.KeyEnvName(cfg.LLM.Model))

	if c.Path != "" {
		sess, err := pipeline.DriverFor(c.Path).Open(context.Background(), c.Path)
		if err != nil {
			return err
		}
		defer sess.Close()
		insp := inspector.New(slog.Default())
		annotations, err := insp.ExtractAnnotations(sess)
		if err != nil {
			return err
		}
		fmt.Printf("document ok: %d annotations\n", len(annotations))
	}
	return nil
}

// loadConfig reads the config file and applies the model override, which also
// re-resolves the API key environment variable.
func loadConfig(path, model string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.LLM.Model = model
		cfg.LLM.APIKey = os.Getenv(config.KeyEnvName(model))
	}
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("margo"),
		kong.Description("Annotation-driven document editing with a format-change audit."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(2)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if margoerrors.IsKind(err, margoerrors.KindConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
