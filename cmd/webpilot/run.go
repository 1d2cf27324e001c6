package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rahul/webpilot/internal/agent"
	"github.com/rahul/webpilot/internal/browser"
	"github.com/rahul/webpilot/internal/export"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/rahul/webpilot/internal/task"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var errTaskFailed = errors.New("task failed")

// taskFlags are the per-task knobs shared by run, batch and telegram.
type taskFlags struct {
	format        string
	output        string
	browser       string
	headful       bool
	persistMemory bool
	maxRetries    int
	timeoutMs     int
}

func (f *taskFlags) register(cmd *cobra.Command, withOutput bool) {
	fs := cmd.Flags()
	if withOutput {
		fs.StringVarP(&f.output, "output", "o", "", "export results to this file")
		fs.StringVarP(&f.format, "format", "f", "", "export format: json or csv (default from config)")
	}
	fs.StringVar(&f.browser, "browser", "", "browser engine: chromium, firefox or webkit (default from config)")
	fs.BoolVar(&f.headful, "headful", false, "show the browser window")
	fs.BoolVar(&f.persistMemory, "persist-memory", false, "write finished tasks to the durable memory backend")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "retries per step (default from config)")
	fs.IntVar(&f.timeoutMs, "timeout-ms", 0, "per-step timeout in milliseconds (default from config)")
}

func (a *app) options(cmd *cobra.Command, f *taskFlags) (agent.Options, error) {
	opts := agent.DefaultOptions()
	opts.Headless = a.cfg.Browser.Headless && !f.headful
	opts.PersistMemory = a.cfg.Memory.Persist || f.persistMemory

	name := a.cfg.Browser.Type
	if f.browser != "" {
		name = f.browser
	}
	bt, err := browser.ParseType(name)
	if err != nil {
		return opts, err
	}
	opts.BrowserType = bt

	opts.OutputFormat = a.cfg.Task.OutputFormat
	if f.format != "" {
		opts.OutputFormat = f.format
	}
	if _, err := export.ForFormat(opts.OutputFormat); err != nil {
		return opts, err
	}
	opts.OutputPath = f.output

	if cmd.Flags().Changed("max-retries") {
		if f.maxRetries < 0 {
			return opts, errors.New("--max-retries must not be negative")
		}
		n := f.maxRetries
		opts.MaxRetries = &n
	}
	if f.timeoutMs < 0 {
		return opts, errors.New("--timeout-ms must not be negative")
	}
	opts.TimeoutMs = f.timeoutMs
	return opts, nil
}

func newRunCmd(a *app) *cobra.Command {
	var flags taskFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <instruction...>",
		Short: "Run one instruction in a fresh browser session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd, &flags)
			if err != nil {
				return err
			}
			s, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			res, runErr := s.runner.RunTask(cmd.Context(), strings.Join(args, " "), opts)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				observability.RenderResult(out, res, colorOutput(out))
			}

			if runErr != nil {
				return runErr
			}
			if res.Status == task.StatusFailed {
				return errTaskFailed
			}
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var flags taskFlags

	cmd := &cobra.Command{
		Use:   "plan <instruction...>",
		Short: "Show the intent and step plan for an instruction without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd, &flags)
			if err != nil {
				return err
			}
			s, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			in, plan, planErr := s.runner.Prepare(cmd.Context(), strings.Join(args, " "), opts)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			if planErr != nil {
				if err := enc.Encode(map[string]any{"intent": in}); err != nil {
					return err
				}
				return planErr
			}
			return enc.Encode(plan)
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var flags taskFlags
	var file string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "batch [instruction...]",
		Short: "Run many instructions concurrently and export them together",
		Long: `Runs every instruction given as an argument or, with --file, one per line
("-" reads stdin). Blank lines and lines starting with # are ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			instructions := args
			if file != "" {
				lines, err := readInstructions(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				instructions = append(instructions, lines...)
			}
			if len(instructions) == 0 {
				return errors.New("no instructions given")
			}

			opts, err := a.options(cmd, &flags)
			if err != nil {
				return err
			}
			s, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if concurrency <= 0 {
				concurrency = a.cfg.Task.Concurrency
			}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			sched := agent.NewScheduler(s.runner, concurrency)
			sched.OnResult = func(i int, res task.TaskResult, err error) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "[%d] %-7s %2d records  %s  %s\n", i+1, res.Status, len(res.Records), res.TaskID, res.Instruction)
			}

			results, batchErr := sched.Run(cmd.Context(), instructions, opts)

			var ok, partial, failed int
			for _, r := range results {
				switch r.Status {
				case task.StatusSuccess:
					ok++
				case task.StatusPartial:
					partial++
				default:
					failed++
				}
			}
			fmt.Fprintf(out, "%d tasks: %d success, %d partial, %d failed\n", len(results), ok, partial, failed)

			if flags.output != "" {
				n, err := export.WriteFile(flags.output, opts.OutputFormat, results)
				if err != nil {
					return fmt.Errorf("export batch: %w", err)
				}
				fmt.Fprintf(out, "wrote %d bytes to %s\n", n, flags.output)
			}
			if batchErr != nil {
				return batchErr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(results))
			}
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVar(&file, "file", "", `read instructions from a file, one per line ("-" for stdin)`)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "tasks run at once (default from config)")
	return cmd
}

func readInstructions(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}
