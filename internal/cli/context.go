package cli

import (
	"io"
	"os"
	"path/filepath"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/checkpoint"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/config"
	"github.com/jvs-project/pipeguard/pkg/logging"
)

// session wires every component for one invocation.
type session struct {
	repo        *repo.Repo
	cfg         *config.Config
	log         *logging.Logger
	journal     *audit.FileAppender
	locks       *lock.Manager
	store       *state.Store
	checkpoints *checkpoint.Manager
	breakers    *resilience.Breakers
	logFile     io.Closer
}

var current *session

// locateRepo resolves the workspace from --root, $PIPEGUARD_ROOT or the
// working directory.
func locateRepo() (*repo.Repo, error) {
	if rootFlag != "" {
		return repo.Open(rootFlag)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return repo.Discover(cwd)
}

// requireSession opens the workspace and builds its components. pid, when
// positive, is recorded as the owner of locks taken through this session.
func requireSession(pid int) (*session, error) {
	if current != nil && pid <= 0 {
		return current, nil
	}
	r, err := locateRepo()
	if err != nil {
		return nil, err
	}
	return newSession(r, pid)
}

func newSession(r *repo.Repo, pid int) (*session, error) {
	closeSession()
	log := logging.Global()

	cfg, err := config.Load(r.Root)
	if err != nil {
		// A broken config must not stop 'handle-error' or 'config set' from repairing it.
		log.WarnErr("config unreadable; using defaults", err)
		cfg = config.Default()
	}
	if logLevel == "" {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(level)
		}
	}

	s := &session{repo: r, cfg: cfg, log: log}
	if cfg.Logging.File != "" {
		if closer, err := log.TeeFile(filepath.Join(r.Dir(), cfg.Logging.File)); err == nil {
			s.logFile = closer
		} else {
			log.WarnErr("pipeline log unavailable", err)
		}
	}

	s.journal = audit.NewFileAppender(r.AuditPath())
	s.locks = lock.NewManager(r.LocksDir(), lock.Options{
		StaleAfter: cfg.Duration("lock.stale_after"),
		MaxWait:    cfg.Duration("lock.max_wait"),
		PID:        pid,
		Logger:     log,
		Audit:      s.journal,
	})
	s.store = state.NewStore(r, s.locks, state.Options{
		LockTimeout:  cfg.Duration("lock.timeout"),
		BackupKeep:   cfg.State.BackupKeep,
		BackupMaxAge: cfg.Duration("state.backup_max_age"),
		Logger:       log,
		Audit:        s.journal,
	})
	s.checkpoints = checkpoint.NewManager(r, s.store, checkpoint.Options{
		LockTimeout: cfg.Duration("lock.timeout"),
		Artifacts:   cfg.Checkpoint.Artifacts,
		Logger:      log,
		Audit:       s.journal,
	})
	s.breakers = resilience.NewBreakers(r.BreakersDir(), s.locks, resilience.BreakerOptions{
		Threshold:   cfg.Resilience.BreakerThreshold,
		Cooldown:    cfg.Duration("resilience.breaker_cooldown"),
		LockTimeout: cfg.Duration("lock.timeout"),
		Logger:      log,
		Audit:       s.journal,
	})
	current = s
	return s, nil
}

func (s *session) retrier() *resilience.Retrier {
	r := resilience.NewRetrier(s.cfg.Resilience.MaxRetries,
		s.cfg.Duration("resilience.base_delay"), s.cfg.Duration("resilience.max_delay"))
	r.Logger = s.log
	return r
}

func (s *session) degraded() *resilience.Degraded {
	return resilience.NewDegraded(s.store, s.journal, s.log)
}

func (s *session) recoverer() *resilience.Recoverer {
	return resilience.NewRecoverer(resilience.RecovererDeps{
		Repo:        s.repo,
		Locks:       s.locks,
		Store:       s.store,
		Checkpoints: s.checkpoints,
		Retrier:     s.retrier(),
		WaitDelay:   s.cfg.Duration("resilience.wait_delay"),
		Audit:       s.journal,
		Logger:      s.log,
	})
}

func closeSession() {
	if current == nil {
		return
	}
	if current.logFile != nil {
		current.logFile.Close()
	}
	current = nil
}
