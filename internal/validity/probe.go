package validity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/sandbox"
	"go.uber.org/zap"
)

// Probe runs an external player against the program and reads its verdict
// as JSON from stdout:
//
//	{"buggy": false, "claimed_done": true, "done": true,
//	 "step_budget_exhausted": false, "steps": 41, "transcript": "..."}
type Probe struct {
	cfg       config.WinnabilityConfig
	killGrace time.Duration
	logger    *logging.Logger
}

var _ evaluation.WinnabilityGate = (*Probe)(nil)

// NewProbe creates a winnability probe. The validity config supplies the
// kill grace for the player's process group.
func NewProbe(cfg config.WinnabilityConfig, vc config.ValidityConfig, logger *logging.Logger) (*Probe, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("winnability command is empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Probe{cfg: cfg, killGrace: vc.KillGrace, logger: logger}, nil
}

// CheckWinnability plays the subject.
func (p *Probe) CheckWinnability(ctx context.Context, s evaluation.Subject) (evaluation.WinnabilityResult, error) {
	args := append(append([]string{}, p.cfg.Command[1:]...), s.Path)
	res, err := sandbox.Run(ctx, sandbox.Command{
		Path:      p.cfg.Command[0],
		Args:      args,
		Timeout:   p.cfg.Timeout,
		KillGrace: p.killGrace,
	})
	if err != nil {
		return evaluation.WinnabilityResult{}, err
	}
	if res.TimedOut {
		return evaluation.WinnabilityResult{}, fmt.Errorf("winnability probe exceeded %s", p.cfg.Timeout)
	}
	if res.ExitCode != 0 {
		return evaluation.WinnabilityResult{}, fmt.Errorf("winnability probe exited %d: %s",
			res.ExitCode, errorTail(res.Stderr, 5))
	}

	var verdict evaluation.WinnabilityResult
	if err := json.Unmarshal([]byte(lastJSONObject(res.Stdout)), &verdict); err != nil {
		return evaluation.WinnabilityResult{}, fmt.Errorf("parsing winnability verdict: %w", err)
	}
	verdict.Error = ""

	p.logger.Debug(ctx, "winnability checked",
		zap.Bool("buggy", verdict.Buggy),
		zap.Bool("done", verdict.Done),
		zap.Int("steps", verdict.Steps),
	)
	return verdict, nil
}

// lastJSONObject returns the last line of out that looks like a JSON
// object, so players may log progress before the verdict.
func lastJSONObject(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "{") && strings.HasSuffix(l, "}") {
			return l
		}
	}
	return strings.TrimSpace(out)
}
