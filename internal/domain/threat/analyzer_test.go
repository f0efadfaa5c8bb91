package threat

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/adapter/outbound/audit"
	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/event"
	"github.com/aegisgate/aegisgate/internal/kv/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *memory.MemoryStore, event.Store) {
	t.Helper()

	store := memory.NewStore()
	events := audit.NewMemoryStore(100)
	analyzer := NewAnalyzer(store, events, Config{}, testLogger())
	return analyzer, store, events
}

const (
	publicIP  = "203.0.113.5"
	publicIP2 = "198.51.100.40"
	browserUA = "Mozilla/5.0 (Macintosh) AppleWebKit/537.36"
)

// seedHistory makes ip/ua known for the identity so novelty signals read 0.
func seedHistory(t *testing.T, analyzer *Analyzer, identityID, ip, ua string) {
	t.Helper()

	ctx := context.Background()
	if err := analyzer.store.SAdd(ctx, locationsKey(identityID), analyzer.cfg.NoveltyTTL, locationPrefix(ip)); err != nil {
		t.Fatalf("SAdd() locations error: %v", err)
	}
	if err := analyzer.store.SAdd(ctx, userAgentsKey(identityID), analyzer.cfg.NoveltyTTL, UserAgentSignature(ua)); err != nil {
		t.Fatalf("SAdd() user agents error: %v", err)
	}
}

func TestAnalyzer_SuccessfulKnownLoginIsLow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	got, err := analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: publicIP, UserAgent: browserUA, Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Severity != SeverityLow {
		t.Errorf("severity = %s, want low (score %.2f)", got.Severity, got.Score)
	}
	if len(got.Actions) != 1 || got.Actions[0] != event.ActionLogged {
		t.Errorf("actions = %v, want [logged]", got.Actions)
	}
}

func TestAnalyzer_FiveFailuresBlocksIP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}

	var got *Assessment
	for i := 0; i < 5; i++ {
		var err error
		got, err = analyzer.Analyze(ctx, attempt)
		if err != nil {
			t.Fatalf("Analyze() attempt %d error: %v", i+1, err)
		}
	}

	if got.Signals.BruteForce != 0.7 {
		t.Errorf("brute force signal = %.2f, want 0.7 at 5 failures", got.Signals.BruteForce)
	}
	if got.FailureCount != 5 {
		t.Errorf("failure count = %d, want 5", got.FailureCount)
	}
	if got.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high", got.Severity)
	}

	// The source address is blocked, identity is not.
	if err := analyzer.IsBlocked(ctx, "", publicIP); !errors.Is(err, autherr.ErrBlocked) {
		t.Errorf("IsBlocked(ip) error = %v, want ErrBlocked", err)
	}
	if err := analyzer.IsBlocked(ctx, "user-1", publicIP2); err != nil {
		t.Errorf("IsBlocked(identity, other ip) error = %v, want nil", err)
	}
}

func TestAnalyzer_TenFailuresBlocksIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, events := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}

	var got *Assessment
	for i := 0; i < 10; i++ {
		var err error
		got, err = analyzer.Analyze(ctx, attempt)
		if err != nil {
			t.Fatalf("Analyze() attempt %d error: %v", i+1, err)
		}
	}

	if got.Signals.BruteForce != 1.0 {
		t.Errorf("brute force signal = %.2f, want 1.0 at 10 failures", got.Signals.BruteForce)
	}
	if got.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", got.Severity)
	}

	// The identity is blocked even from an address never seen before.
	if err := analyzer.IsBlocked(ctx, "user-1", publicIP2); !errors.Is(err, autherr.ErrBlocked) {
		t.Errorf("IsBlocked(identity, new ip) error = %v, want ErrBlocked", err)
	}

	recent := events.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent() = %d events, want at least 1", len(recent))
	}
	if recent[0].ThreatType != event.ThreatTypeBruteForce {
		t.Errorf("event threat type = %s, want brute_force", recent[0].ThreatType)
	}
	if recent[0].ActionTaken != event.ActionIdentityBlocked {
		t.Errorf("event action = %s, want identity_blocked", recent[0].ActionTaken)
	}
}

func TestAnalyzer_SuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}
	for i := 0; i < 4; i++ {
		if _, err := analyzer.Analyze(ctx, attempt); err != nil {
			t.Fatalf("Analyze() error: %v", err)
		}
	}

	ok := attempt
	ok.Success = true
	got, err := analyzer.Analyze(ctx, ok)
	if err != nil {
		t.Fatalf("Analyze(success) error: %v", err)
	}
	if got.Signals.BruteForce != 0 || got.FailureCount != 0 {
		t.Errorf("after success: brute force = %.2f count = %d, want 0/0", got.Signals.BruteForce, got.FailureCount)
	}

	// The streak starts over.
	got, err = analyzer.Analyze(ctx, attempt)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure count after reset = %d, want 1", got.FailureCount)
	}
}

func TestAnalyzer_FailureWindowExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, store, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}
	for i := 0; i < 4; i++ {
		if _, err := analyzer.Analyze(ctx, attempt); err != nil {
			t.Fatalf("Analyze() error: %v", err)
		}
	}

	// Past the trailing window the counter restarts.
	now = now.Add(16 * time.Minute)
	store.SetNow(func() time.Time { return now })

	got, err := analyzer.Analyze(ctx, attempt)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure count after window = %d, want 1", got.FailureCount)
	}
}

func TestAnalyzer_BotUserAgent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	got, err := analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: publicIP, UserAgent: "Googlebot/2.1", Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Signals.UANovelty != 0.8 {
		t.Errorf("ua signal = %.2f, want 0.8 for bot keyword", got.Signals.UANovelty)
	}
}

func TestAnalyzer_NoveltySignals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)

	// First-ever location and UA score the first-contact baseline.
	got, err := analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: publicIP, UserAgent: browserUA, Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Signals.LocationNovelty != 0.1 {
		t.Errorf("first location = %.2f, want 0.1", got.Signals.LocationNovelty)
	}
	if got.Signals.UANovelty != 0.1 {
		t.Errorf("first ua = %.2f, want 0.1", got.Signals.UANovelty)
	}

	// Repeat from the same /24 and UA is fully known.
	got, err = analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: "203.0.113.99", UserAgent: browserUA, Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Signals.LocationNovelty != 0 || got.Signals.UANovelty != 0 {
		t.Errorf("known location/ua = %.2f/%.2f, want 0/0",
			got.Signals.LocationNovelty, got.Signals.UANovelty)
	}

	// A different network with history present is genuinely novel.
	got, err = analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: publicIP2, UserAgent: browserUA, Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Signals.LocationNovelty != 0.5 {
		t.Errorf("new location = %.2f, want 0.5", got.Signals.LocationNovelty)
	}
}

func TestAnalyzer_PrivateIPReputation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)

	got, err := analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: "10.0.0.7", UserAgent: browserUA, Success: true,
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Signals.IPReputation != 0.6 {
		t.Errorf("private ip reputation = %.2f, want 0.6", got.Signals.IPReputation)
	}
}

func TestAnalyzer_BlockedIPStaysFlagged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)

	if err := analyzer.BlockIP(ctx, publicIP, "test", time.Minute); err != nil {
		t.Fatalf("BlockIP() error: %v", err)
	}
	if err := analyzer.Unblock(ctx, "", publicIP); err != nil {
		t.Fatalf("Unblock() error: %v", err)
	}

	// The block is gone but the flag keeps reputation elevated.
	if err := analyzer.IsBlocked(ctx, "", publicIP); err != nil {
		t.Errorf("IsBlocked() after unblock error = %v, want nil", err)
	}
	if got := analyzer.ipReputation(ctx, publicIP); got != 0.6 {
		t.Errorf("reputation after unblock = %.2f, want 0.6 (flagged)", got)
	}
}

func TestAnalyzer_MediumSetsMonitorFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, store, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	// Three failures from a known address: bf 0.4, weighted score in the
	// medium band.
	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}
	var got *Assessment
	for i := 0; i < 3; i++ {
		var err error
		got, err = analyzer.Analyze(ctx, attempt)
		if err != nil {
			t.Fatalf("Analyze() error: %v", err)
		}
	}

	if got.Severity != SeverityMedium {
		t.Fatalf("severity = %s, want medium (score %.2f)", got.Severity, got.Score)
	}
	if _, err := store.Get(ctx, monitorKey("user-1")); err != nil {
		t.Errorf("monitor flag missing after medium assessment: %v", err)
	}
	if err := analyzer.IsBlocked(ctx, "user-1", publicIP); err != nil {
		t.Errorf("IsBlocked() at medium error = %v, want nil (monitor only)", err)
	}
}

// gaugeStub counts Inc and Dec calls.
type gaugeStub struct {
	mu sync.Mutex
	v  int
}

func (g *gaugeStub) Inc() { g.mu.Lock(); g.v++; g.mu.Unlock() }
func (g *gaugeStub) Dec() { g.mu.Lock(); g.v--; g.mu.Unlock() }

func (g *gaugeStub) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

type counterStub struct{ n atomic.Int64 }

func (c *counterStub) Inc() { c.n.Add(1) }

// failingEvents rejects every append.
type failingEvents struct{}

func (failingEvents) Append(context.Context, ...event.SecurityEvent) error {
	return errors.New("sink down")
}
func (failingEvents) Recent(int) []event.SecurityEvent { return nil }
func (failingEvents) Close() error                     { return nil }

func TestAnalyzer_BlockGauge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer, _, _ := newTestAnalyzer(t)
	seedHistory(t, analyzer, "user-1", publicIP, browserUA)

	gauge := &gaugeStub{}
	analyzer.SetInstruments(gauge, nil)

	attempt := Attempt{IdentityID: "user-1", IP: publicIP, UserAgent: browserUA}
	for i := 0; i < 5; i++ {
		if _, err := analyzer.Analyze(ctx, attempt); err != nil {
			t.Fatalf("Analyze() attempt %d error: %v", i+1, err)
		}
	}
	if gauge.value() != 1 {
		t.Errorf("gauge after ip block = %d, want 1", gauge.value())
	}

	// A sixth failure re-blocks the same address without double counting.
	if _, err := analyzer.Analyze(ctx, attempt); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if gauge.value() != 1 {
		t.Errorf("gauge after re-block = %d, want 1", gauge.value())
	}

	if err := analyzer.Unblock(ctx, "", publicIP); err != nil {
		t.Fatalf("Unblock() error: %v", err)
	}
	if gauge.value() != 0 {
		t.Errorf("gauge after unblock = %d, want 0", gauge.value())
	}

	// Unblocking an already clear address leaves the gauge alone.
	if err := analyzer.Unblock(ctx, "", publicIP); err != nil {
		t.Fatalf("Unblock() repeat error: %v", err)
	}
	if gauge.value() != 0 {
		t.Errorf("gauge after repeat unblock = %d, want 0", gauge.value())
	}
}

func TestAnalyzer_EventDropCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer := NewAnalyzer(memory.NewStore(), failingEvents{}, Config{}, testLogger())
	drops := &counterStub{}
	analyzer.SetInstruments(nil, drops)

	if _, err := analyzer.Analyze(ctx, Attempt{
		IdentityID: "user-1", IP: publicIP, UserAgent: browserUA, Success: true,
	}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := drops.n.Load(); got != 1 {
		t.Errorf("dropped events = %d, want 1", got)
	}
}
