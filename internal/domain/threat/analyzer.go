package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/event"
	"github.com/aegisgate/aegisgate/internal/kv"
)

// monitorFlagTTL bounds the heightened-monitoring flag set at Medium severity.
const monitorFlagTTL = 24 * time.Hour

// BlockGauge tracks blocks applied by this instance.
// Satisfied by prometheus.Gauge.
type BlockGauge interface {
	Inc()
	Dec()
}

// DropCounter counts security events lost to sink failures.
// Satisfied by prometheus.Counter.
type DropCounter interface {
	Inc()
}

// Analyzer aggregates behavioral signals per authentication attempt and
// applies the escalating block policy. Stateless in-process: all signal
// state lives in the shared store under the security: prefix.
type Analyzer struct {
	store  kv.Store
	events event.Store
	cfg    Config
	logger *slog.Logger

	blocks BlockGauge
	drops  DropCounter

	// blockTimers retires each gauge entry when its cool-down lapses.
	timerMu     sync.Mutex
	blockTimers map[string]*time.Timer

	// now is swappable in tests.
	now func() time.Time
}

// NewAnalyzer creates an Analyzer. events may be nil to disable emission.
func NewAnalyzer(store kv.Store, events event.Store, cfg Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		store:  store,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// SetInstruments attaches optional counters for applied blocks and dropped
// events. Either argument may be nil.
func (a *Analyzer) SetInstruments(blocks BlockGauge, drops DropCounter) {
	a.blocks = blocks
	a.drops = drops
}

// trackBlock counts a newly applied block and schedules its retirement
// when the cool-down lapses. Re-blocking an already tracked source only
// resets the timer.
func (a *Analyzer) trackBlock(key string, d time.Duration) {
	if a.blocks == nil {
		return
	}
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if t, ok := a.blockTimers[key]; ok {
		t.Stop()
	} else {
		a.blocks.Inc()
	}
	if a.blockTimers == nil {
		a.blockTimers = make(map[string]*time.Timer)
	}
	a.blockTimers[key] = time.AfterFunc(d, func() { a.untrackBlock(key) })
}

// untrackBlock drops a tracked block from the gauge, if present.
func (a *Analyzer) untrackBlock(key string) {
	if a.blocks == nil {
		return
	}
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if t, ok := a.blockTimers[key]; ok {
		t.Stop()
		delete(a.blockTimers, key)
		a.blocks.Dec()
	}
}

// Analyze scores one attempt and applies the action for its severity band:
// Low logs, Medium flags the identity for monitoring, High blocks the
// source IP, Critical blocks the IP longer and the identity as well.
// Signal-state store errors degrade individual signals rather than failing
// the analysis.
func (a *Analyzer) Analyze(ctx context.Context, attempt Attempt) (*Assessment, error) {
	sig := Signals{
		IPReputation: a.ipReputation(ctx, attempt.IP),
		UANovelty:    a.uaNovelty(ctx, attempt.IdentityID, attempt.UserAgent),
	}
	var failures int64
	sig.BruteForce, failures = a.bruteForce(ctx, attempt.IdentityID, attempt.IP, attempt.Success)
	sig.LocationNovelty = a.locationNovelty(ctx, attempt.IdentityID, attempt.IP)

	w := a.cfg.Weights
	score := w.IPReputation*sig.IPReputation +
		w.BruteForce*sig.BruteForce +
		w.LocationNovelty*sig.LocationNovelty +
		w.UANovelty*sig.UANovelty
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	// A dominant brute force signal escalates severity even when the
	// other signals dilute the weighted sum: five rapid failures must
	// trigger the High actions regardless of a clean IP and UA.
	effective := score
	if sig.BruteForce > effective {
		effective = sig.BruteForce
	}

	assessment := &Assessment{
		Score:        score,
		Severity:     severityFor(effective),
		Signals:      sig,
		FailureCount: failures,
	}

	a.applyActions(ctx, attempt, assessment)
	a.emit(ctx, attempt, assessment)

	return assessment, nil
}

// applyActions runs the escalating policy for the assessment's band.
// Actions are idempotent: re-blocking an already blocked source only
// extends the cool-down.
func (a *Analyzer) applyActions(ctx context.Context, attempt Attempt, assessment *Assessment) {
	switch assessment.Severity {
	case SeverityLow:
		assessment.Actions = []string{event.ActionLogged}

	case SeverityMedium:
		if err := a.store.Set(ctx, monitorKey(attempt.IdentityID), []byte("1"), monitorFlagTTL); err != nil {
			a.logger.Warn("failed to set monitor flag",
				"identity_id", attempt.IdentityID, "error", err)
		}
		assessment.Actions = []string{event.ActionLogged, event.ActionFlagged}

	case SeverityHigh:
		if err := a.BlockIP(ctx, attempt.IP, "high risk score", a.cfg.HighIPBlock); err != nil {
			a.logger.Error("failed to block ip", "ip", attempt.IP, "error", err)
		}
		assessment.Actions = []string{event.ActionIPBlocked}

	case SeverityCritical:
		if err := a.BlockIP(ctx, attempt.IP, "critical risk score", a.cfg.CriticalIPBlock); err != nil {
			a.logger.Error("failed to block ip", "ip", attempt.IP, "error", err)
		}
		if err := a.BlockIdentity(ctx, attempt.IdentityID, "critical risk score", a.cfg.CriticalIdentityBlock); err != nil {
			a.logger.Error("failed to block identity",
				"identity_id", attempt.IdentityID, "error", err)
		}
		assessment.Actions = []string{event.ActionIPBlocked, event.ActionIdentityBlocked}
	}
}

// blockRecord is the persisted payload of a block entry.
type blockRecord struct {
	Reason    string `json:"reason"`
	BlockedAt int64  `json:"blocked_at"`
}

// BlockIP blocks a source address for the given cool-down and flags it so
// ip_reputation stays elevated after the block lapses.
func (a *Analyzer) BlockIP(ctx context.Context, ip, reason string, d time.Duration) error {
	rec, err := json.Marshal(blockRecord{Reason: reason, BlockedAt: a.now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal block record: %w", err)
	}
	if err := a.store.Set(ctx, blockedIPKey(ip), rec, d); err != nil {
		return fmt.Errorf("block ip: %w", err)
	}
	a.trackBlock(blockedIPKey(ip), d)
	if err := a.store.Set(ctx, flaggedIPKey(ip), []byte("1"), a.cfg.NoveltyTTL); err != nil {
		a.logger.Warn("failed to flag ip", "ip", ip, "error", err)
	}
	a.logger.Warn("ip blocked", "ip", ip, "reason", reason, "duration", d)
	return nil
}

// BlockIdentity blocks an identity for the given cool-down.
func (a *Analyzer) BlockIdentity(ctx context.Context, identityID, reason string, d time.Duration) error {
	rec, err := json.Marshal(blockRecord{Reason: reason, BlockedAt: a.now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal block record: %w", err)
	}
	if err := a.store.Set(ctx, blockedIdentityKey(identityID), rec, d); err != nil {
		return fmt.Errorf("block identity: %w", err)
	}
	a.trackBlock(blockedIdentityKey(identityID), d)
	a.logger.Warn("identity blocked", "identity_id", identityID, "reason", reason, "duration", d)
	return nil
}

// IsBlocked checks the block gate for a source IP and optional identity.
// Returns ErrBlocked while a block is active; an active block denies the
// request regardless of credential validity. Store errors propagate so the
// caller can apply its fail policy.
func (a *Analyzer) IsBlocked(ctx context.Context, identityID, ip string) error {
	if ip != "" {
		if _, err := a.store.Get(ctx, blockedIPKey(ip)); err == nil {
			return fmt.Errorf("%w: source address", autherr.ErrBlocked)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("block gate lookup: %w", err)
		}
	}
	if identityID != "" {
		if _, err := a.store.Get(ctx, blockedIdentityKey(identityID)); err == nil {
			return fmt.Errorf("%w: identity", autherr.ErrBlocked)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("block gate lookup: %w", err)
		}
	}
	return nil
}

// Unblock clears active blocks for an IP or identity. Used by operators.
func (a *Analyzer) Unblock(ctx context.Context, identityID, ip string) error {
	if ip != "" {
		if err := a.store.Delete(ctx, blockedIPKey(ip)); err != nil {
			return err
		}
		a.untrackBlock(blockedIPKey(ip))
	}
	if identityID != "" {
		if err := a.store.Delete(ctx, blockedIdentityKey(identityID)); err != nil {
			return err
		}
		a.untrackBlock(blockedIdentityKey(identityID))
	}
	return nil
}

// emit records a security event for the analysis. Best-effort: emission
// failures are logged and never affect the decision.
func (a *Analyzer) emit(ctx context.Context, attempt Attempt, assessment *Assessment) {
	if a.events == nil {
		return
	}

	threatType := event.ThreatTypeSuspiciousLogin
	if assessment.Signals.BruteForce >= 0.4 {
		threatType = event.ThreatTypeBruteForce
	}

	evidence := map[string]any{
		"score":            assessment.Score,
		"ip_reputation":    assessment.Signals.IPReputation,
		"brute_force":      assessment.Signals.BruteForce,
		"location_novelty": assessment.Signals.LocationNovelty,
		"ua_novelty":       assessment.Signals.UANovelty,
		"failure_count":    assessment.FailureCount,
		"success":          attempt.Success,
	}
	for k, v := range attempt.Context {
		evidence[k] = v
	}

	action := event.ActionLogged
	if n := len(assessment.Actions); n > 0 {
		action = assessment.Actions[n-1]
	}

	ev := event.SecurityEvent{
		ID:          uuid.NewString(),
		IdentityID:  attempt.IdentityID,
		ThreatType:  threatType,
		Severity:    string(assessment.Severity),
		IP:          attempt.IP,
		UserAgent:   attempt.UserAgent,
		Timestamp:   a.now().UTC(),
		Evidence:    evidence,
		ActionTaken: action,
	}
	if err := a.events.Append(ctx, ev); err != nil {
		if a.drops != nil {
			a.drops.Inc()
		}
		a.logger.Warn("failed to append security event", "error", err)
	}
}
