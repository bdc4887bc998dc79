package resilience

import "github.com/jvs-project/pipeguard/pkg/errclass"

var remediations = map[errclass.Kind]string{
	errclass.GeneralError:        "inspect pipeline.log for the failing step and re-run it",
	errclass.LockTimeout:         "another invocation holds the lock; run 'pipeguard lock list' and 'pipeguard lock clean' if its owner is gone",
	errclass.StateCorruption:     "run 'pipeguard state recover' to restore the newest valid backup",
	errclass.ValidationFailed:    "fix the rejected document or run 'pipeguard checkpoint restore <id>'",
	errclass.DependencyMissing:   "install or configure the missing dependency, then retry",
	errclass.PermissionDenied:    "check ownership and permissions of the .pipeguard directory",
	errclass.DiskFull:            "free disk space; 'pipeguard doctor --repair' removes orphaned temp files",
	errclass.NetworkError:        "check connectivity to the dependency and retry",
	errclass.Timeout:             "the operation exceeded its deadline; retry or raise the timeout",
	errclass.ResourceExhausted:   "wait for resources to free up, then retry",
	errclass.ConfigurationError:  "review .pipeguard/config.yaml or run 'pipeguard config show'",
	errclass.DataIntegrity:       "run 'pipeguard state recover --force' or restore a checkpoint",
	errclass.ServiceUnavailable:  "the dependency is unavailable; check 'pipeguard breaker status' and retry later",
	errclass.AuthenticationError: "refresh the credentials used by the pipeline",
	errclass.AuthorizationError:  "grant the pipeline identity the required permissions",
}

// Remediation returns the operator hint for kind.
func Remediation(k errclass.Kind) string {
	if msg, ok := remediations[k]; ok {
		return msg
	}
	return remediations[errclass.GeneralError]
}
