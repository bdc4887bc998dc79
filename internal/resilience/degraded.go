package resilience

import (
	"context"
	"time"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// Degraded toggles the degraded-mode flag kept inside the state document, so
// it survives across invocations.
type Degraded struct {
	store *state.Store
	audit audit.Appender
	log   *logging.Logger
	now   func() time.Time
}

// NewDegraded creates a degraded-mode controller writing through store.
func NewDegraded(store *state.Store, journal audit.Appender, logger *logging.Logger) *Degraded {
	if journal == nil {
		journal = audit.Nop{}
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Degraded{store: store, audit: journal, log: logger.Component("degraded"), now: time.Now}
}

// Enable switches degraded mode on.
func (d *Degraded) Enable(ctx context.Context, reason string, features []string) (*model.DegradedMode, error) {
	if reason == "" {
		return nil, errclass.ErrValidationFailed.WithMessage("degraded mode needs a reason")
	}
	mode := &model.DegradedMode{
		Enabled:          true,
		Reason:           reason,
		DisabledFeatures: append([]string(nil), features...),
		Since:            d.now().UTC(),
	}
	_, err := d.store.Update(ctx, "degrade", func(doc *model.StateDocument) error {
		doc.DegradedMode = mode
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Warn("degraded mode enabled", map[string]any{"reason": reason, "features": features})
	if err := d.audit.Append(model.EventTypeDegradedEnable, "state", map[string]any{
		"reason":   reason,
		"features": features,
	}); err != nil {
		d.log.WarnErr("audit degraded enable", err)
	}
	return mode, nil
}

// Disable restores normal operation. It reports whether degraded mode was on.
func (d *Degraded) Disable(ctx context.Context) (bool, error) {
	was := false
	_, err := d.store.Update(ctx, "recover-mode", func(doc *model.StateDocument) error {
		was = doc.IsDegraded()
		doc.DegradedMode = nil
		return nil
	})
	if err != nil {
		return false, err
	}
	if was {
		d.log.Info("degraded mode disabled")
		if err := d.audit.Append(model.EventTypeDegradedDisable, "state", nil); err != nil {
			d.log.WarnErr("audit degraded disable", err)
		}
	}
	return was, nil
}

// Status returns the current flag; a document without one reports disabled.
func (d *Degraded) Status(ctx context.Context) (*model.DegradedMode, error) {
	doc, err := d.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if doc.DegradedMode == nil {
		return &model.DegradedMode{}, nil
	}
	return doc.DegradedMode, nil
}

// IsDegraded is the boolean projection of Status.
func (d *Degraded) IsDegraded(ctx context.Context) (bool, error) {
	st, err := d.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Enabled, nil
}
