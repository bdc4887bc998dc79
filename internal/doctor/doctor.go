// Package doctor inspects a pipeguard workspace for damage left behind by
// crashed or interrupted runs, and repairs what can be repaired safely.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// RepairResult lists the corrective actions Repair took.
type RepairResult struct {
	Actions []string `json:"actions"`
}

// Doctor performs workspace health checks.
type Doctor struct {
	repo     *repo.Repo
	locks    *lock.Manager
	store    *state.Store
	breakers *resilience.Breakers
	log      *logging.Logger
}

// NewDoctor creates a doctor. breakers may be nil to skip the breaker check.
func NewDoctor(r *repo.Repo, store *state.Store, breakers *resilience.Breakers, logger *logging.Logger) *Doctor {
	if logger == nil {
		logger = logging.Global()
	}
	return &Doctor{
		repo:     r,
		locks:    store.Locks(),
		store:    store,
		breakers: breakers,
		log:      logger.Component("doctor"),
	}
}

// Check runs all diagnostic checks. It never modifies the workspace.
func (d *Doctor) Check(ctx context.Context) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkLayout(result)
	d.checkState(result)
	d.checkLocks(result)
	d.checkOrphanTmp(result)
	d.checkCorruptLeftovers(result)
	d.checkBreakers(result)
	d.checkDegraded(ctx, result)
	d.checkAudit(result)

	return result, nil
}

func (d *Doctor) checkLayout(result *Result) {
	for _, dir := range []string{d.repo.LocksDir(), d.repo.BackupsDir(), d.repo.CheckpointsDir(),
		d.repo.BreakersDir(), d.repo.AuditDir(), d.repo.SignalsDir()} {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			continue
		}
		result.add(Finding{
			Category:    "layout",
			Description: fmt.Sprintf("workspace directory %s missing", filepath.Base(dir)),
			Severity:    SeverityError,
			Path:        dir,
		})
	}
}

func (d *Doctor) checkState(result *Result) {
	path := d.store.Path()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		result.add(Finding{
			Category:    "state",
			Description: "state document not initialized",
			Severity:    SeverityInfo,
			Path:        path,
		})
		return
	}
	if err != nil {
		result.add(Finding{Category: "state", Description: fmt.Sprintf("cannot read state: %v", err), Severity: SeverityCritical, Path: path})
		return
	}

	warnings, err := state.Validate(data)
	if err != nil {
		result.add(Finding{
			Category:    "state",
			Description: fmt.Sprintf("state document invalid: %v", err),
			Severity:    SeverityCritical,
			Path:        path,
		})
		return
	}
	for _, w := range warnings {
		result.add(Finding{Category: "schema", Description: w, Severity: SeverityWarning, Path: path})
	}
}

func (d *Doctor) checkLocks(result *Result) {
	all, err := d.locks.List()
	if err != nil {
		result.add(Finding{Category: "lock", Description: fmt.Sprintf("cannot list locks: %v", err), Severity: SeverityError})
		return
	}
	for _, info := range all {
		if !info.Stale {
			continue
		}
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("stale lock %s held by pid %d on %s (%s)", info.Name, info.PID, info.Host, info.StaleReason),
			Severity:    SeverityWarning,
			Path:        info.Path,
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	for _, path := range fsutil.FindOrphanTemps(d.repo.Dir(), d.locks.StaleAfter()) {
		result.add(Finding{
			Category:    "tmp",
			Description: fmt.Sprintf("orphan temp file: %s", filepath.Base(path)),
			Severity:    SeverityInfo,
			Path:        path,
		})
	}
}

func (d *Doctor) checkCorruptLeftovers(result *Result) {
	for _, path := range d.store.CorruptLeftovers() {
		result.add(Finding{
			Category:    "state",
			Description: fmt.Sprintf("corrupt state preserved by an earlier recovery: %s", filepath.Base(path)),
			Severity:    SeverityInfo,
			Path:        path,
		})
	}
}

func (d *Doctor) checkBreakers(result *Result) {
	if d.breakers == nil {
		return
	}
	all, err := d.breakers.List()
	if err != nil {
		result.add(Finding{Category: "breaker", Description: fmt.Sprintf("cannot list breakers: %v", err), Severity: SeverityError})
		return
	}
	for _, b := range all {
		if b.State == model.BreakerClosed {
			continue
		}
		result.add(Finding{
			Category:    "breaker",
			Description: fmt.Sprintf("circuit for %s is %s after %d failures", b.Dependency, b.State, b.FailureCount),
			Severity:    SeverityWarning,
		})
	}
}

func (d *Doctor) checkDegraded(ctx context.Context, result *Result) {
	doc, err := d.store.Read(ctx)
	if err != nil || doc == nil || !doc.IsDegraded() {
		return
	}
	result.add(Finding{
		Category:    "degraded",
		Description: fmt.Sprintf("pipeline is in degraded mode: %s", doc.DegradedMode.Reason),
		Severity:    SeverityWarning,
	})
}

func (d *Doctor) checkAudit(result *Result) {
	vr, err := audit.Verify(d.repo.AuditPath())
	if err != nil {
		result.add(Finding{Category: "audit", Description: fmt.Sprintf("cannot verify audit journal: %v", err), Severity: SeverityError, Path: d.repo.AuditPath()})
		return
	}
	if !vr.Valid() {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit chain broken at line %d: %s", vr.Break.Line, vr.Break.Reason),
			Severity:    SeverityCritical,
			Path:        d.repo.AuditPath(),
		})
	}
}

// Repair recreates missing directories, reaps stale locks, recovers an
// invalid state document and removes orphan temp files.
func (d *Doctor) Repair(ctx context.Context) (*RepairResult, error) {
	res := &RepairResult{Actions: []string{}}

	if _, err := repo.Init(d.repo.Root); err != nil {
		return res, fmt.Errorf("restore layout: %w", err)
	}

	reaped, err := d.locks.CleanStale()
	if err != nil {
		return res, err
	}
	for _, info := range reaped {
		res.Actions = append(res.Actions, fmt.Sprintf("removed stale lock %s (pid %d)", info.Name, info.PID))
	}

	removed, err := fsutil.RemoveOrphanTemps(d.repo.Dir(), d.locks.StaleAfter())
	if err != nil {
		return res, err
	}
	for _, path := range removed {
		res.Actions = append(res.Actions, "removed temp file "+filepath.Base(path))
	}

	if fsutil.Exists(d.store.Path()) {
		rec, err := d.store.Recover(ctx, "", false)
		if err != nil {
			return res, err
		}
		switch rec.Action {
		case state.RecoverRestored:
			res.Actions = append(res.Actions, "restored state from backup "+rec.Backup)
		case state.RecoverDefault:
			res.Actions = append(res.Actions, "reset state to defaults")
		}
	}

	d.log.Info("repair finished", map[string]any{"actions": len(res.Actions)})
	return res, nil
}
