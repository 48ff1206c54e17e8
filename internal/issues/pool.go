package issues

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeanhaley32/sapphire-bee/internal/agent"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/history"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultTaskTimeout  = 30 * time.Minute

	// maxCommentOutput keeps result comments under GitHub's 65536 character limit.
	maxCommentOutput = 60000
)

// Pool runs Workers independent loops against the agent-ready queue. Workers
// coordinate only through the claim protocol.
type Pool struct {
	Client       *Client
	Runner       agent.Runner
	History      *history.Store
	Logger       *slog.Logger
	Workers      int
	WorkerID     string
	WorkDir      string
	PollInterval time.Duration
	TaskTimeout  time.Duration
	LeaseTTL     time.Duration
	// Once makes each worker exit when no agent-ready issue is left.
	Once bool
}

// Result is one finished issue.
type Result struct {
	Issue    int
	Worker   string
	Status   history.Status
	ExitCode int
}

func (p *Pool) defaults() {
	if p.Workers <= 0 {
		p.Workers = 1
	}
	if p.WorkerID == "" {
		p.WorkerID = "bee"
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = DefaultTaskTimeout
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = DefaultLeaseTTL
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// Run starts the workers and blocks until ctx is done, or, with Once, until
// the queue is empty. It returns the issues that were processed.
func (p *Pool) Run(ctx context.Context) ([]Result, error) {
	p.defaults()
	if p.Client == nil || p.Runner == nil {
		return nil, fmt.Errorf("pool needs a GitHub client and an agent runner")
	}

	reaper := &Claimer{Client: p.Client, Worker: p.WorkerID, LeaseTTL: p.LeaseTTL}
	if released, err := reaper.ReleaseExpired(ctx); err != nil {
		p.Logger.Warn("failed to release expired claims", "error", err)
	} else if len(released) > 0 {
		p.Logger.Info("released expired claims", "issues", released)
	}

	results := make(chan Result)
	collected := make(chan []Result, 1)
	go func() {
		var all []Result
		for r := range results {
			all = append(all, r)
		}
		collected <- all
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.Workers; i++ {
		id := p.WorkerID
		if p.Workers > 1 {
			id = fmt.Sprintf("%s-%d", p.WorkerID, i)
		}
		g.Go(func() error {
			return p.worker(gctx, id, results)
		})
	}
	err := g.Wait()
	close(results)
	all := <-collected
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return all, err
}

func (p *Pool) worker(ctx context.Context, id string, results chan<- Result) error {
	logger := p.Logger.With("worker", id)
	claimer := &Claimer{Client: p.Client, Worker: id, LeaseTTL: p.LeaseTTL}
	logger.Info("pool worker started")

	for {
		res, worked, err := p.step(ctx, claimer, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("pool step failed", "error", err)
		}
		if worked {
			select {
			case results <- res:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if p.Once && err == nil {
			logger.Info("no agent-ready issues left")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.PollInterval):
		}
	}
}

// step claims and works the oldest agent-ready issue this worker can win.
func (p *Pool) step(ctx context.Context, claimer *Claimer, logger *slog.Logger) (Result, bool, error) {
	ready, err := p.Client.ListIssues(ctx, constants.LabelReady)
	if err != nil {
		return Result{}, false, fmt.Errorf("list agent-ready issues: %w", err)
	}
	for _, is := range ready {
		if is.HasLabel(constants.LabelInProgress) {
			continue
		}
		claim, err := claimer.Claim(ctx, is.Number)
		if errors.Is(err, ErrClaimLost) {
			logger.Debug("claim lost", "issue", is.Number)
			continue
		}
		if err != nil {
			return Result{}, false, err
		}
		logger.Info("claimed issue", "issue", is.Number, "nonce", claim.Nonce)
		// The listing can predate edits made while the issue sat in the queue.
		if fresh, err := p.Client.GetIssue(ctx, is.Number); err == nil {
			is = *fresh
		} else {
			logger.Warn("refetch issue failed, using listed copy", "issue", is.Number, "error", err)
		}
		return p.work(ctx, claimer, claim, is, logger), true, nil
	}
	return Result{}, false, nil
}

func (p *Pool) work(ctx context.Context, claimer *Claimer, claim *Claim, is Issue, logger *slog.Logger) Result {
	worker := claim.Worker
	run := history.TaskRun{
		Name:      fmt.Sprintf("#%d %s", is.Number, is.Title),
		Source:    history.SourcePool,
		Worker:    worker,
		StartedAt: time.Now(),
	}
	if p.History != nil {
		var err error
		if run, err = p.History.Start(ctx, run); err != nil {
			logger.Warn("history start failed", "issue", is.Number, "error", err)
			run.ID = ""
		}
	}

	tctx, cancel := context.WithTimeout(ctx, p.TaskTimeout)
	res, runErr := p.Runner.Run(tctx, agent.Request{Prompt: IssuePrompt(p.Client, is), Dir: p.WorkDir})
	cancel()

	status := history.StatusCompleted
	detail := ""
	switch {
	case res.TimedOut:
		status, detail = history.StatusFailed, fmt.Sprintf("timed out after %s", p.TaskTimeout)
	case runErr != nil:
		status, detail = history.StatusFailed, runErr.Error()
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case res.ExitCode != 0:
		status, detail = history.StatusFailed, fmt.Sprintf("exit code %d", res.ExitCode)
	}

	// Reporting must survive shutdown so the issue is not left in-progress.
	rctx := context.WithoutCancel(ctx)
	if _, err := p.Client.CreateComment(rctx, is.Number, resultComment(claim, status, res, detail)); err != nil {
		logger.Warn("failed to post result comment", "issue", is.Number, "error", err)
		if err := claimer.Withdraw(rctx, claim); err != nil {
			logger.Warn("failed to withdraw claim", "issue", is.Number, "error", err)
		}
	}
	label := constants.LabelComplete
	if status == history.StatusFailed {
		label = constants.LabelFailed
	}
	if err := p.Client.AddLabels(rctx, is.Number, label); err != nil {
		logger.Warn("failed to label issue", "issue", is.Number, "label", label, "error", err)
	}
	if err := p.Client.RemoveLabel(rctx, is.Number, constants.LabelInProgress); err != nil {
		logger.Warn("failed to remove in-progress label", "issue", is.Number, "error", err)
	}

	if p.History != nil && run.ID != "" {
		if err := p.History.Finish(rctx, run.ID, status, res.ExitCode, is.HTMLURL, detail); err != nil {
			logger.Warn("history finish failed", "issue", is.Number, "error", err)
		}
	}

	logger.Info("issue finished", "issue", is.Number, "status", status, "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Second))
	return Result{Issue: is.Number, Worker: worker, Status: status, ExitCode: res.ExitCode}
}

// IssuePrompt turns an issue into the agent prompt.
func IssuePrompt(c *Client, is Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", is.Title)
	if body := strings.TrimSpace(is.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "(GitHub issue #%d in %s/%s", is.Number, c.Owner, c.Repo)
	if is.HTMLURL != "" {
		fmt.Fprintf(&b, ", %s", is.HTMLURL)
	}
	b.WriteString(")\n")
	return b.String()
}

func resultComment(claim *Claim, status history.Status, res agent.Result, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nbee worker `%s` finished: **%s** (exit code %d, %s)", releaseMarker(claim.Nonce), claim.Worker, status, res.ExitCode, res.Duration.Round(time.Second))
	if detail != "" && status == history.StatusFailed {
		fmt.Fprintf(&b, "\n\n%s", detail)
	}
	out := bytes.TrimSpace(res.Output)
	if len(out) > 0 {
		if len(out) > maxCommentOutput {
			out = out[len(out)-maxCommentOutput:]
		}
		fmt.Fprintf(&b, "\n\n<details><summary>Agent output</summary>\n\n```\n%s\n```\n</details>\n", out)
	}
	return b.String()
}
