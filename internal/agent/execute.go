package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rahul/webpilot/internal/browser"
	"github.com/rahul/webpilot/internal/governance"
	"github.com/rahul/webpilot/internal/planner"
	"github.com/rahul/webpilot/internal/task"
	"go.uber.org/zap"
)

// session is the state one task carries across its steps.
type session struct {
	taskID string
	driver browser.Driver

	// content is the page captured by the last successful EXTRACT.
	content      []byte
	itemSelector string
	baseURL      string
	truncated    bool

	// abandoned is closed when a driver call cut off by its step timeout
	// finally returns. broken is set once that call outlives AbandonGrace.
	abandoned <-chan struct{}
	broken    bool
}

var errSessionBroken = errors.New("browser session unresponsive after a timed out call")

// execute acquires a browser, runs the steps in order and always releases
// the browser before returning.
func (r *Runner) execute(ctx context.Context, taskID string, plan planner.Plan, opts Options) ([]task.StepResult, *session) {
	results := make([]task.StepResult, len(plan.Steps))
	for i, s := range plan.Steps {
		results[i] = task.StepResult{StepIndex: s.Index, Action: s.Action, Status: task.StepPending}
	}
	sess := &session{taskID: taskID}
	log := r.Logger.Zap().With(zap.String("task_id", taskID))

	drv, err := r.Launchers.Launch(ctx, browser.LaunchOptions{Headless: opts.Headless, Type: opts.BrowserType})
	if err != nil {
		kind := task.ErrLaunchError
		if ctx.Err() != nil {
			kind = task.ErrCancelled
		}
		results[0].Status = task.StepFailed
		results[0].Error = &task.ErrorInfo{Kind: kind, Message: err.Error()}
		skipFrom(results, 1)
		log.Error("browser launch failed", zap.String("browser", string(opts.BrowserType)), zap.Error(err))
		return results, sess
	}
	defer func() {
		if err := r.awaitAbandoned(context.Background(), sess); err != nil {
			log.Warn("closing browser with a driver call still running", zap.Error(err))
		}
		if err := drv.Close(); err != nil {
			log.Warn("browser close failed", zap.Error(err))
		}
	}()
	sess.driver = drv

	for i, step := range plan.Steps {
		r.Tracker.SetStep(taskID, i)
		results[i] = r.runStep(ctx, sess, step)

		res := results[i]
		errMsg := ""
		if res.Error != nil {
			errMsg = res.Error.Message
		}
		r.Logger.LogStep(taskID, step.Index, string(step.Action), string(res.Status), res.Attempts, errMsg)

		if res.Status != task.StepFailed {
			continue
		}
		if !step.Optional || res.Error.Kind == task.ErrCancelled || sess.broken {
			skipFrom(results, i+1)
			break
		}
	}
	return results, sess
}

func skipFrom(results []task.StepResult, from int) {
	for i := from; i < len(results); i++ {
		results[i].Status = task.StepSkipped
	}
}

// runStep drives one step through policy, invocation and retries. The
// driver is invoked at most MaxRetries+1 times.
func (r *Runner) runStep(ctx context.Context, sess *session, step planner.Step) task.StepResult {
	res := task.StepResult{StepIndex: step.Index, Action: step.Action, Status: task.StepRunning}
	start := time.Now()
	settle := func(status task.StepStatus, kind task.ErrorKind, err error) task.StepResult {
		res.Status = status
		if err != nil {
			res.Error = &task.ErrorInfo{Kind: kind, Message: err.Error()}
		}
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	if err := ctx.Err(); err != nil {
		return settle(task.StepFailed, task.ErrCancelled, err)
	}
	if err := r.checkPolicy(ctx, sess.taskID, step); err != nil {
		return settle(task.StepFailed, task.ErrPolicyDenied, err)
	}

	for {
		if err := r.awaitAbandoned(ctx, sess); err != nil {
			if ctx.Err() != nil {
				return settle(task.StepFailed, task.ErrCancelled, err)
			}
			return settle(task.StepFailed, task.ErrStepDriverError, err)
		}
		res.Attempts++
		err := r.invoke(ctx, sess, step, &res)
		if err == nil {
			if res.Attempts > 1 {
				return settle(task.StepRetriedOK, "", nil)
			}
			return settle(task.StepOK, "", nil)
		}
		if ctx.Err() != nil {
			return settle(task.StepFailed, task.ErrCancelled, err)
		}
		if res.Attempts > step.MaxRetries {
			return settle(task.StepFailed, classify(err), err)
		}

		delay := r.retryDelay(res.Attempts)
		r.Logger.Zap().Info("step failed, retrying",
			zap.String("task_id", sess.taskID),
			zap.Int("step", step.Index),
			zap.String("action", string(step.Action)),
			zap.Int("attempt", res.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return settle(task.StepFailed, task.ErrCancelled, err)
		}
	}
}

func classify(err error) task.ErrorKind {
	switch browser.KindOf(err) {
	case browser.KindTimeout:
		return task.ErrStepTimeout
	case browser.KindNotFound:
		return task.ErrStepNotFound
	}
	return task.ErrStepDriverError
}

func (r *Runner) retryDelay(attempt int) time.Duration {
	exponent := math.Max(0, float64(attempt-1))
	delay := float64(r.BaseDelay) * math.Pow(2, exponent)
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	return time.Duration(delay)
}

// awaitAbandoned blocks until a driver call abandoned by an earlier timeout
// returns, so that no two calls ever overlap on one session. After
// AbandonGrace the session is marked broken and every later call refused.
func (r *Runner) awaitAbandoned(ctx context.Context, sess *session) error {
	if sess.broken {
		return errSessionBroken
	}
	if sess.abandoned == nil {
		return nil
	}
	grace := r.AbandonGrace
	if grace <= 0 {
		grace = DefaultAbandonGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-sess.abandoned:
		sess.abandoned = nil
		return nil
	case <-t.C:
		sess.broken = true
		return errSessionBroken
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn against the driver and returns when fn does or ctx ends,
// whichever comes first. A call cut off by ctx keeps running in the
// background and is recorded on sess until it returns.
func call(ctx context.Context, sess *session, op string, fn func(context.Context) error) error {
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = fn(ctx)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		select {
		case <-done:
			return err
		default:
		}
		sess.abandoned = done
		return browser.Wrap(op, ctx.Err())
	}
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errDenied = errors.New("denied by policy")

func (r *Runner) checkPolicy(ctx context.Context, taskID string, step planner.Step) error {
	if r.Policy == nil {
		return nil
	}
	req := governance.Request{Action: string(step.Action), TaskID: taskID}
	switch p := step.Params.(type) {
	case planner.NavigateParams:
		req.Target = p.URL
	case planner.ClickParams:
		req.Target = p.Selector
	case planner.FillParams:
		req.Target = p.Selector
		req.Arguments = p.Value
	case planner.ExtractParams:
		req.Target = p.Selector
	case planner.WaitParams:
		req.Target = p.Selector
	}

	result, err := r.Policy.Evaluate(ctx, req)
	if err != nil {
		r.Logger.LogPolicyCheck(taskID, req.Action, req.Target, false, err.Error())
		return fmt.Errorf("%w: %v", errDenied, err)
	}
	allowed := result.Effect == governance.EffectAllow
	r.Logger.LogPolicyCheck(taskID, req.Action, req.Target, allowed, result.Reason)
	if !allowed {
		return fmt.Errorf("%w: %s", errDenied, result.Reason)
	}
	return nil
}

// invoke performs one attempt of step. The step timeout is enforced here:
// a driver that ignores its context is abandoned when the timeout passes.
func (r *Runner) invoke(ctx context.Context, sess *session, step planner.Step, res *task.StepResult) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = planner.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	drv := sess.driver
	switch p := step.Params.(type) {
	case planner.NavigateParams:
		if err := call(stepCtx, sess, "navigate", func(ctx context.Context) error {
			return drv.Navigate(ctx, p.URL)
		}); err != nil {
			return err
		}
		sess.baseURL = p.URL

	case planner.ClickParams:
		return call(stepCtx, sess, "click", func(ctx context.Context) error {
			return drv.Click(ctx, p.Selector)
		})

	case planner.FillParams:
		return call(stepCtx, sess, "fill", func(ctx context.Context) error {
			return drv.Fill(ctx, p.Selector, p.Value)
		})

	case planner.WaitParams:
		if p.Duration > 0 {
			if err := sleep(stepCtx, p.Duration); err != nil {
				return browser.Wrap("wait", err)
			}
		}
		if p.Selector != "" {
			return call(stepCtx, sess, "wait", func(ctx context.Context) error {
				return drv.WaitFor(ctx, p.Selector)
			})
		}

	case planner.ExtractParams:
		var raw []byte
		if err := call(stepCtx, sess, "read", func(ctx context.Context) (err error) {
			raw, err = drv.ReadContent(ctx, "")
			return err
		}); err != nil {
			return err
		}
		res.RawOutput = raw
		sess.content = raw
		sess.itemSelector = p.Selector
		sess.truncated = false
		if tr, ok := drv.(browser.TruncationReporter); ok && tr.Truncated() {
			sess.truncated = true
			r.Logger.Zap().Warn("page content truncated",
				zap.String("task_id", sess.taskID),
				zap.Int("step", step.Index),
				zap.Int("bytes", len(raw)),
			)
		}

	case planner.ScreenshotParams:
		var img []byte
		if err := call(stepCtx, sess, "screenshot", func(ctx context.Context) (err error) {
			img, err = drv.Screenshot(ctx, p.FullPage)
			return err
		}); err != nil {
			return err
		}
		res.RawOutput = img
		if r.Artifacts != nil {
			path, err := r.Artifacts.SaveScreenshot(stepCtx, sess.taskID, step.Index, img)
			if err != nil {
				return fmt.Errorf("save screenshot: %w", err)
			}
			res.Artifact = path
		}

	default:
		return fmt.Errorf("unsupported step action %q", step.Action)
	}
	return nil
}
