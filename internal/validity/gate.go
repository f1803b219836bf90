// Package validity implements the execution-based gates: the validity
// gate that runs a candidate with its interpreter, and the winnability
// probe that delegates to an external player command.
package validity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/sandbox"
	"go.uber.org/zap"
)

// Gate runs `<interpreter> <args...> <path>` and reports whether the
// program ran.
type Gate struct {
	cfg    config.ValidityConfig
	logger *logging.Logger
}

var _ evaluation.ValidityGate = (*Gate)(nil)

// NewGate creates a validity gate.
func NewGate(cfg config.ValidityConfig, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{cfg: cfg, logger: logger}
}

// CheckValidity executes the subject.
//
// Exit status 0 is runnable. With a positive alive window, a program still
// running when the window closes is also runnable: interactive programs
// never exit on their own. Otherwise ErrorMsg holds the tail of stderr.
func (g *Gate) CheckValidity(ctx context.Context, s evaluation.Subject) (evaluation.ValidityResult, error) {
	limit := g.cfg.Timeout
	if g.cfg.AliveWindow > 0 && (limit <= 0 || g.cfg.AliveWindow < limit) {
		limit = g.cfg.AliveWindow
	}

	args := append(append([]string{}, g.cfg.Args...), s.Path)
	res, err := sandbox.Run(ctx, sandbox.Command{
		Path:      g.cfg.Interpreter,
		Args:      args,
		Env:       []string{"PYTHONUNBUFFERED=1"},
		Timeout:   limit,
		KillGrace: g.cfg.KillGrace,
	})
	if err != nil {
		return evaluation.ValidityResult{}, err
	}

	out := evaluation.ValidityResult{
		Transcript:      res.Stdout,
		TimedOut:        res.TimedOut,
		DurationSeconds: res.Duration.Seconds(),
	}

	switch {
	case res.TimedOut && g.cfg.AliveWindow > 0:
		out.Runnable = true
	case res.TimedOut:
		out.ErrorMsg = fmt.Sprintf("program did not exit within %s", limit)
	case res.ExitCode == 0:
		out.Runnable = true
	default:
		out.ErrorMsg = errorTail(res.Stderr, g.cfg.ErrorLines)
		if out.ErrorMsg == "" {
			out.ErrorMsg = fmt.Sprintf("program exited with status %d", res.ExitCode)
		}
	}

	g.logger.Debug(ctx, "validity checked",
		zap.String("path", s.Path),
		zap.Bool("runnable", out.Runnable),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration.Round(time.Millisecond)),
	)
	return out, nil
}

// errorTail returns the last n non-empty lines of stderr.
func errorTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if n > 0 && len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}
