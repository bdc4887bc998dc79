package resilience

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/checkpoint"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/config"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// Strategy names an automatic recovery action.
type Strategy string

const (
	CleanStaleLocks   Strategy = "cleanStaleLocks"
	RecoverState      Strategy = "recoverState"
	RestoreCheckpoint Strategy = "restoreCheckpoint"
	CleanupTempFiles  Strategy = "cleanupTempFiles"
	RetryWithBackoff  Strategy = "retryWithBackoff"
	WaitAndRetry      Strategy = "waitAndRetry"
	ResetConfig       Strategy = "resetConfig"
	RestoreFromBackup Strategy = "restoreFromBackup"
)

var strategies = map[errclass.Kind]Strategy{
	errclass.LockTimeout:        CleanStaleLocks,
	errclass.StateCorruption:    RecoverState,
	errclass.ValidationFailed:   RestoreCheckpoint,
	errclass.DiskFull:           CleanupTempFiles,
	errclass.Timeout:            RetryWithBackoff,
	errclass.ResourceExhausted:  WaitAndRetry,
	errclass.ConfigurationError: ResetConfig,
	errclass.DataIntegrity:      RestoreFromBackup,
}

// StrategyFor returns the recovery strategy mapped to kind.
func StrategyFor(k errclass.Kind) (Strategy, bool) {
	s, ok := strategies[k]
	return s, ok
}

// Incident is a failure reported to the Recoverer.
type Incident struct {
	Kind      errclass.Kind
	Message   string
	Operation string
	// Err is the original error; built from Kind and Message when nil.
	Err error
	// Retry re-runs the failed operation, for the retrying strategies.
	Retry func(ctx context.Context) error
}

func (inc Incident) err() error {
	if inc.Err != nil {
		return inc.Err
	}
	return errclass.ForKind(inc.Kind).WithMessage(inc.Message)
}

// Outcome reports what Handle did.
type Outcome struct {
	Kind        string   `json:"kind"`
	Code        int      `json:"code"`
	Operation   string   `json:"operation,omitempty"`
	Strategy    Strategy `json:"strategy,omitempty"`
	Recovered   bool     `json:"recovered"`
	Detail      string   `json:"detail,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// Recoverer dispatches incidents to recovery strategies.
type Recoverer struct {
	repo        *repo.Repo
	locks       *lock.Manager
	store       *state.Store
	checkpoints *checkpoint.Manager
	retrier     *Retrier
	waitDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	audit       audit.Appender
	log         *logging.Logger
}

// RecovererDeps wires a Recoverer to the components its strategies act on.
type RecovererDeps struct {
	Repo        *repo.Repo
	Locks       *lock.Manager
	Store       *state.Store
	Checkpoints *checkpoint.Manager
	Retrier     *Retrier
	WaitDelay   time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Audit       audit.Appender
	Logger      *logging.Logger
}

// NewRecoverer creates a Recoverer.
func NewRecoverer(deps RecovererDeps) *Recoverer {
	r := &Recoverer{
		repo:        deps.Repo,
		locks:       deps.Locks,
		store:       deps.Store,
		checkpoints: deps.Checkpoints,
		retrier:     deps.Retrier,
		waitDelay:   deps.WaitDelay,
		sleep:       deps.Sleep,
		audit:       deps.Audit,
		log:         deps.Logger,
	}
	if r.retrier == nil {
		r.retrier = NewRetrier(3, time.Second, 30*time.Second)
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	if r.audit == nil {
		r.audit = audit.Nop{}
	}
	if r.log == nil {
		r.log = logging.Global()
	}
	r.log = r.log.Component("recovery")
	return r
}

// Handle runs the strategy mapped to the incident's kind when autoRecover is
// set. It returns nil only when recovery succeeded; otherwise it logs a
// kind-specific remediation and returns the original error.
func (r *Recoverer) Handle(ctx context.Context, inc Incident, autoRecover bool) (*Outcome, error) {
	orig := inc.err()
	out := &Outcome{Kind: inc.Kind.String(), Code: inc.Kind.Code(), Operation: inc.Operation}

	strategy, mapped := StrategyFor(inc.Kind)
	if mapped {
		out.Strategy = strategy
	}
	if autoRecover && mapped {
		recovered, detail, err := r.run(ctx, strategy, inc)
		out.Recovered, out.Detail = recovered, detail
		if err != nil {
			out.Detail = err.Error()
			r.log.WarnErr("recovery strategy failed", err, map[string]any{"strategy": string(strategy)})
		}
		if recovered {
			r.log.Info("recovered automatically", map[string]any{
				"kind":      inc.Kind.String(),
				"strategy":  string(strategy),
				"operation": inc.Operation,
				"detail":    detail,
			})
			return out, nil
		}
	}

	out.Remediation = Remediation(inc.Kind)
	fields := logging.ErrFields(orig)
	fields["operation"] = inc.Operation
	fields["remediation"] = out.Remediation
	if mapped {
		fields["strategy"] = string(strategy)
	}
	r.log.Error(inc.Message, fields)
	return out, orig
}

func (r *Recoverer) run(ctx context.Context, s Strategy, inc Incident) (bool, string, error) {
	switch s {
	case CleanStaleLocks:
		reaped, err := r.locks.CleanStale()
		if err != nil {
			return false, "", err
		}
		if len(reaped) == 0 {
			return false, "no stale locks found", nil
		}
		return r.retryOnce(ctx, inc, fmt.Sprintf("reaped %d stale lock(s)", len(reaped)))

	case RecoverState:
		res, err := r.store.Recover(ctx, "", false)
		if err != nil {
			return false, "", err
		}
		return true, "state " + string(res.Action), nil

	case RestoreCheckpoint:
		return r.restoreLatestValid(ctx, inc.Operation)

	case CleanupTempFiles:
		removed, err := fsutil.RemoveOrphanTemps(r.repo.Dir(), r.locks.StaleAfter())
		if err != nil {
			return false, "", err
		}
		return r.retryOnce(ctx, inc, fmt.Sprintf("removed %d temp file(s)", len(removed)))

	case RetryWithBackoff:
		if inc.Retry == nil {
			return false, "no operation to retry", nil
		}
		if err := r.retrier.Do(ctx, inc.Retry); err != nil {
			return false, "", err
		}
		return true, "operation succeeded on retry", nil

	case WaitAndRetry:
		if err := r.sleep(ctx, r.waitDelay); err != nil {
			return false, "", err
		}
		return r.retryOnce(ctx, inc, fmt.Sprintf("waited %s", r.waitDelay))

	case ResetConfig:
		return r.resetConfig()

	case RestoreFromBackup:
		res, err := r.store.Recover(ctx, "", true)
		if err != nil {
			return false, "", err
		}
		if res.Action == state.RecoverRestored {
			return true, "restored backup " + res.Backup, nil
		}
		return true, "no valid backup; default state written", nil
	}
	return false, "", fmt.Errorf("unknown strategy %s", s)
}

// retryOnce re-runs the operation after a corrective action, if there is one.
func (r *Recoverer) retryOnce(ctx context.Context, inc Incident, detail string) (bool, string, error) {
	if inc.Retry == nil {
		return true, detail, nil
	}
	if err := inc.Retry(ctx); err != nil {
		return false, detail, err
	}
	return true, detail + "; operation succeeded on retry", nil
}

func (r *Recoverer) restoreLatestValid(ctx context.Context, operation string) (bool, string, error) {
	if r.checkpoints == nil {
		return false, "no checkpoint manager", nil
	}
	all, err := r.checkpoints.List()
	if err != nil {
		return false, "", err
	}
	// Prefer checkpoints of the failed operation.
	ordered := make([]*model.Checkpoint, 0, len(all))
	for _, cp := range all {
		if operation != "" && cp.Operation == operation {
			ordered = append(ordered, cp)
		}
	}
	for _, cp := range all {
		if operation == "" || cp.Operation != operation {
			ordered = append(ordered, cp)
		}
	}
	for _, cp := range ordered {
		if err := r.checkpoints.Verify(cp.ID); err != nil {
			r.log.Warn("skipping invalid checkpoint", map[string]any{"id": string(cp.ID), "error": err.Error()})
			continue
		}
		if _, err := r.checkpoints.Restore(ctx, cp.ID); err != nil {
			return false, "", err
		}
		return true, "restored checkpoint " + string(cp.ID), nil
	}
	return false, "no valid checkpoint", nil
}

func (r *Recoverer) resetConfig() (bool, string, error) {
	path := r.repo.ConfigPath()
	detail := "default configuration written"
	if _, err := config.Load(r.repo.Root); err == nil {
		// Loadable already; nothing to reset.
		if fsutil.Exists(path) {
			return true, "configuration is valid", nil
		}
	} else if fsutil.Exists(path) {
		saved := path + ".bak-" + time.Now().UTC().Format("20060102T150405Z")
		if err := fsutil.CopyFile(path, saved); err != nil {
			return false, "", fmt.Errorf("back up config: %w", err)
		}
		detail = "invalid configuration saved as " + filepath.Base(saved) + "; defaults written"
	}
	if err := config.Save(r.repo.Root, config.Default()); err != nil {
		return false, "", err
	}
	if err := r.audit.Append(model.EventTypeConfigReset, "config", map[string]any{"detail": detail}); err != nil {
		r.log.WarnErr("audit config reset", err)
	}
	return true, detail, nil
}
