package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/webpilot/internal/task"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Messenger delivers a message to a chat.
type Messenger interface {
	Send(chatID string, text string) error
}

// Scheduler runs batches of instructions on a Runner with bounded
// concurrency.
type Scheduler struct {
	Runner      *Runner
	Concurrency int
	// OnResult, when set, is called as each task settles. Calls may be
	// concurrent.
	OnResult func(index int, res task.TaskResult, err error)
}

func NewScheduler(runner *Runner, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{Runner: runner, Concurrency: concurrency}
}

// Run executes every instruction and returns the results in input order.
// Planning failures are recorded in their slot and do not stop the batch;
// the returned error joins them. Blank instructions are ignored.
func (s *Scheduler) Run(ctx context.Context, instructions []string, opts Options) ([]task.TaskResult, error) {
	var todo []string
	for _, in := range instructions {
		if strings.TrimSpace(in) != "" {
			todo = append(todo, in)
		}
	}

	results := make([]task.TaskResult, len(todo))
	errs := make([]error, len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for i, instruction := range todo {
		g.Go(func() error {
			o := opts
			o.TaskID = ""
			// the caller exports the whole batch as one file
			o.OutputPath = ""
			res, err := s.Runner.RunTask(gctx, instruction, o)
			results[i] = res
			errs[i] = err
			if s.OnResult != nil {
				s.OnResult(i, res, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("#%d: %v", i+1, err))
		}
	}
	s.Runner.Logger.Zap().Info("batch finished",
		zap.Int("tasks", len(todo)),
		zap.Int("planning_errors", len(failed)),
	)
	if len(failed) > 0 {
		return results, fmt.Errorf("%d of %d instructions could not be planned: %s", len(failed), len(todo), strings.Join(failed, "; "))
	}
	return results, nil
}

// Notify runs one instruction and sends the rendered outcome to chatID.
func (s *Scheduler) Notify(ctx context.Context, m Messenger, chatID, instruction string, opts Options, render func(task.TaskResult) string) error {
	res, err := s.Runner.RunTask(ctx, instruction, opts)
	text := render(res)
	if err != nil {
		text = fmt.Sprintf("⚠️ %v\n\n%s", err, text)
	}
	return m.Send(chatID, text)
}
