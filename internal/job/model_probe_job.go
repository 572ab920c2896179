package job

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/metrics"
	"github.com/xxxsen/attnscope/internal/model"
)

const defaultProbeTimeout = 30 * time.Second

type Checker interface {
	Loaded() bool
	Check(ctx context.Context, text string) (*model.AttentionResult, error)
}

// ModelProbeJob runs a single-pass extraction on a fixed text so a broken
// runtime shows up in logs and metrics before users hit it. It never
// triggers the initial model load and is not counted as a request.
type ModelProbeJob struct {
	checker Checker
	text    string
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewModelProbeJob(checker Checker, text string, timeout time.Duration, m *metrics.Metrics) *ModelProbeJob {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ModelProbeJob{checker: checker, text: text, timeout: timeout, metrics: m}
}

func (j *ModelProbeJob) Name() string {
	return "model_probe"
}

func (j *ModelProbeJob) Run(ctx context.Context) error {
	if !j.checker.Loaded() {
		j.metrics.ObserveProbe(metrics.ResultRejected)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	res, err := j.checker.Check(ctx, j.text)
	if err != nil {
		j.metrics.ObserveProbe(metrics.ResultError)
		return fmt.Errorf("probe: %w", err)
	}
	if len(res.Tokens) == 0 || len(res.Layers) == 0 {
		j.metrics.ObserveProbe(metrics.ResultError)
		return fmt.Errorf("probe: empty result")
	}
	j.metrics.ObserveProbe(metrics.ResultOK)
	logutil.GetLogger(ctx).Debug("model probe ok",
		zap.Int("tokens", len(res.Tokens)),
		zap.Int("layers", len(res.Layers)),
	)
	return nil
}
