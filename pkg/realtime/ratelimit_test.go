package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codeGROOVE-dev/ripple/pkg/config"
)

func limitConfig() config.RateLimit {
	return config.Default().RateLimit
}

func alice() *RequestContext {
	return &RequestContext{UserID: "alice", SocketID: "s1", IP: "10.0.0.1"}
}

func TestRateLimiterUserMinute(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	cfg := limitConfig()
	l := NewRateLimiter(clk, cfg)

	for i := range cfg.UserPerMinute {
		if d := l.Check(ctx, alice(), "activity"); !d.Allowed {
			t.Fatalf("event %d rejected: %+v", i+1, d)
		}
	}
	d := l.Check(ctx, alice(), "activity")
	if d.Allowed || d.Reason != ReasonUserMinute {
		t.Fatalf("event %d = %+v, want %s", cfg.UserPerMinute+1, d, ReasonUserMinute)
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", d.RetryAfter)
	}

	clk.Add(time.Minute)
	if d := l.Check(ctx, alice(), "activity"); !d.Allowed {
		t.Errorf("event after window reset rejected: %+v", d)
	}
}

func TestRateLimiterWindowOrder(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		cfg    config.RateLimit
		second *RequestContext
		want   string
	}{
		{
			name:   "user hour",
			cfg:    config.RateLimit{UserPerMinute: 10, UserPerHour: 1},
			second: alice(),
			want:   ReasonUserHour,
		},
		{
			name:   "socket minute",
			cfg:    config.RateLimit{SocketPerMinute: 1},
			second: &RequestContext{UserID: "bob", SocketID: "s1", IP: "10.0.0.2"},
			want:   ReasonSocketMinute,
		},
		{
			name:   "ip minute",
			cfg:    config.RateLimit{IPPerMinute: 1},
			second: &RequestContext{UserID: "bob", SocketID: "s2", IP: "10.0.0.1"},
			want:   ReasonIPMinute,
		},
		{
			name:   "user minute checked before user hour",
			cfg:    config.RateLimit{UserPerMinute: 1, UserPerHour: 1},
			second: alice(),
			want:   ReasonUserMinute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRateLimiter(newMockClock(), tt.cfg)
			if d := l.Check(ctx, alice(), "ping"); !d.Allowed {
				t.Fatalf("first event rejected: %+v", d)
			}
			d := l.Check(ctx, tt.second, "ping")
			if d.Allowed || d.Reason != tt.want {
				t.Errorf("second event = %+v, want %s", d, tt.want)
			}
		})
	}
}

func TestRateLimiterRejectionDoesNotCount(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{UserPerMinute: 2, UserPerHour: 3})

	l.Check(ctx, alice(), "ping")
	l.Check(ctx, alice(), "ping")
	for range 5 {
		if d := l.Check(ctx, alice(), "ping"); d.Reason != ReasonUserMinute {
			t.Fatalf("got %+v, want %s", d, ReasonUserMinute)
		}
	}
	clk.Add(time.Minute)
	// Rejected events did not consume the hourly budget: one slot is left.
	if d := l.Check(ctx, alice(), "ping"); !d.Allowed {
		t.Errorf("third accepted event rejected: %+v", d)
	}
	if d := l.Check(ctx, alice(), "ping"); d.Reason != ReasonUserHour {
		t.Errorf("fourth event = %+v, want %s", d, ReasonUserHour)
	}
}

func TestRateLimiterWhitelist(t *testing.T) {
	ctx := context.Background()
	cfg := config.RateLimit{
		UserPerMinute:      1,
		IPPerMinute:        1,
		ViolationThreshold: 1,
		ViolationPeriod:    time.Hour,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   time.Hour,
		WhitelistedUsers:   []string{"root"},
		WhitelistedIPs:     []string{"127.0.0.1"},
	}
	l := NewRateLimiter(newMockClock(), cfg)

	for range 500 {
		if d := l.Check(ctx, &RequestContext{UserID: "root", SocketID: "s1", IP: "10.0.0.9"}, "activity"); !d.Allowed || d.Reason != ReasonWhitelisted {
			t.Fatalf("whitelisted user throttled: %+v", d)
		}
		if d := l.Check(ctx, &RequestContext{UserID: "guest", SocketID: "s2", IP: "127.0.0.1"}, "activity"); !d.Allowed {
			t.Fatalf("whitelisted ip throttled: %+v", d)
		}
	}
	if l.TemporaryBlock("root", time.Hour) {
		t.Error("whitelisted user was blocked")
	}
	if l.RecordViolation("127.0.0.1", "manual") != 0 {
		t.Error("whitelisted ip accrued a block")
	}
	if _, blocked := l.BlockedUntil("root"); blocked {
		t.Error("whitelisted user reported blocked")
	}
}

func TestRateLimiterEscalation(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{
		UserPerMinute:      1,
		ViolationThreshold: 2,
		ViolationPeriod:    time.Hour,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   24 * time.Hour,
	})

	l.Check(ctx, alice(), "activity")
	for range 3 {
		if d := l.Check(ctx, alice(), "activity"); d.Reason != ReasonUserMinute {
			t.Fatalf("got %+v, want %s", d, ReasonUserMinute)
		}
	}

	v, ok := l.Violation("alice")
	if !ok || v.Count != 3 || len(v.Types) != 1 || v.Types[0] != ReasonUserMinute {
		t.Fatalf("Violation = %+v, %v", v, ok)
	}
	until, blocked := l.BlockedUntil("alice")
	if !blocked || !until.Equal(epoch.Add(2*time.Minute)) {
		t.Fatalf("BlockedUntil = %v, %v; want epoch+2m", until, blocked)
	}

	d := l.Check(ctx, alice(), "activity")
	if d.Allowed || d.Reason != ReasonUserBlocked || d.RetryAfter != 2*time.Minute {
		t.Errorf("blocked check = %+v", d)
	}
	// Rejections caused by the block itself do not escalate it.
	if v, _ := l.Violation("alice"); v.Count != 3 {
		t.Errorf("violation count grew while blocked: %d", v.Count)
	}

	clk.Add(2 * time.Minute)
	if d := l.Check(ctx, alice(), "activity"); !d.Allowed {
		t.Errorf("check after block expiry = %+v", d)
	}
}

func TestRateLimiterIPViolations(t *testing.T) {
	ctx := context.Background()
	l := NewRateLimiter(newMockClock(), config.RateLimit{
		IPPerMinute:        1,
		ViolationThreshold: 1,
		ViolationPeriod:    time.Hour,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   time.Hour,
	})
	l.Check(ctx, alice(), "activity")
	for i := range 2 {
		rc := &RequestContext{UserID: "bob", SocketID: "s" + string(rune('a'+i)), IP: "10.0.0.1"}
		l.Check(ctx, rc, "activity")
	}
	if _, ok := l.Violation("bob"); ok {
		t.Error("ip window violation recorded against the user")
	}
	if _, blocked := l.BlockedUntil("10.0.0.1"); !blocked {
		t.Fatal("ip not blocked after exceeding the threshold")
	}
	d := l.Check(ctx, &RequestContext{UserID: "carol", SocketID: "s9", IP: "10.0.0.1"}, "activity")
	if d.Reason != ReasonIPBlocked {
		t.Errorf("new user on blocked ip = %+v, want %s", d, ReasonIPBlocked)
	}
}

func TestBlockDuration(t *testing.T) {
	const threshold = 5
	base := time.Minute
	maxBlock := 24 * time.Hour

	tests := []struct {
		count int
		want  time.Duration
	}{
		{count: 0, want: 0},
		{count: 5, want: 0},
		{count: 6, want: 2 * time.Minute},
		{count: 7, want: 4 * time.Minute},
		{count: 10, want: 32 * time.Minute},
		{count: 15, want: 1024 * time.Minute},
		{count: 16, want: maxBlock},
		{count: 1000, want: maxBlock},
	}
	for _, tt := range tests {
		if got := BlockDuration(tt.count, threshold, base, maxBlock); got != tt.want {
			t.Errorf("BlockDuration(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}

	prev := time.Duration(0)
	for count := range 200 {
		d := BlockDuration(count, threshold, base, maxBlock)
		if d < prev {
			t.Fatalf("BlockDuration decreased at count %d: %v < %v", count, d, prev)
		}
		if d > maxBlock {
			t.Fatalf("BlockDuration(%d) = %v exceeds cap", count, d)
		}
		prev = d
	}
}

func TestRateLimiterFailOpen(t *testing.T) {
	ctx := context.Background()
	l := NewRateLimiter(newMockClock(), limitConfig())

	for _, rc := range []*RequestContext{nil, {SocketID: "s1"}, {UserID: "alice"}} {
		if d := l.Check(ctx, rc, "activity"); !d.Allowed || d.Reason != ReasonFailOpen {
			t.Errorf("Check(%+v) = %+v, want fail-open", rc, d)
		}
	}
	if got := l.Stats().FailOpen; got != 3 {
		t.Errorf("FailOpen = %d, want 3", got)
	}

	// A limiter whose maps were never made panics on the first window write.
	broken := &RateLimiter{clock: clock.NewMock(), cfg: config.RateLimit{UserPerMinute: 1}}
	if d := broken.Check(ctx, alice(), "activity"); !d.Allowed || d.Reason != ReasonFailOpen {
		t.Errorf("Check on broken limiter = %+v, want fail-open", d)
	}
}

func TestRateLimiterAdmin(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{UserPerMinute: 1, IPPerMinute: 5})

	l.Check(ctx, alice(), "activity")
	if d := l.Check(ctx, alice(), "activity"); d.Allowed {
		t.Fatal("expected rejection")
	}
	l.ResetUserLimits("alice")
	if d := l.Check(ctx, alice(), "activity"); !d.Allowed {
		t.Errorf("check after ResetUserLimits = %+v", d)
	}

	if !l.TemporaryBlock("10.0.0.1", 10*time.Minute) {
		t.Fatal("TemporaryBlock(ip) failed")
	}
	if d := l.Check(ctx, &RequestContext{UserID: "bob", SocketID: "s2", IP: "10.0.0.1"}, "activity"); d.Reason != ReasonIPBlocked {
		t.Errorf("blocked ip check = %+v", d)
	}
	if !l.TemporaryBlock("bob", 10*time.Minute) {
		t.Fatal("TemporaryBlock(user) failed")
	}
	if d := l.Check(ctx, &RequestContext{UserID: "bob", SocketID: "s3", IP: "10.0.0.7"}, "activity"); d.Reason != ReasonUserBlocked {
		t.Errorf("blocked user check = %+v", d)
	}
	if got := l.Stats(); got.BlockedUsers != 1 || got.BlockedIPs != 1 {
		t.Errorf("stats = %+v", got)
	}

	l.ResetIPLimits("10.0.0.1")
	if _, blocked := l.BlockedUntil("10.0.0.1"); blocked {
		t.Error("ip still blocked after ResetIPLimits")
	}
	if l.TemporaryBlock("bob", 0) {
		t.Error("zero-length block accepted")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{
		UserPerMinute:      1,
		UserPerHour:        100,
		ViolationThreshold: 0,
		ViolationPeriod:    10 * time.Minute,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   time.Minute,
	})
	l.Check(ctx, alice(), "activity")
	l.Check(ctx, alice(), "activity") // violation and a one-minute block

	if got := l.Cleanup(clk.Now()); got != 0 {
		t.Errorf("Cleanup removed %d live entries", got)
	}

	clk.Add(time.Minute)
	// The minute window and the block expire; the hour window and the
	// violation remain.
	if got := l.Cleanup(clk.Now()); got != 2 {
		t.Errorf("Cleanup after 1m removed %d, want 2", got)
	}

	clk.Add(time.Hour)
	if got := l.Cleanup(clk.Now()); got != 2 {
		t.Errorf("Cleanup after 1h removed %d, want 2", got)
	}
	if got := l.Stats(); got.Windows != 0 || got.Violations != 0 || got.BlockedUsers != 0 {
		t.Errorf("stats after cleanup = %+v", got)
	}
}

func TestRateLimiterRollingMinute(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{UserPerMinute: 60})

	burst := func(n int) int {
		allowed := 0
		for range n {
			if l.Check(ctx, alice(), "activity").Allowed {
				allowed++
			}
		}
		return allowed
	}

	if got := burst(1); got != 1 {
		t.Fatalf("t=0: allowed %d, want 1", got)
	}
	clk.Add(58 * time.Second)
	if got := burst(59); got != 59 {
		t.Fatalf("t=58s: allowed %d, want 59", got)
	}
	clk.Add(2 * time.Second)
	// Only the event from t=0 has left the trailing minute.
	if got := burst(60); got != 1 {
		t.Errorf("t=60s: allowed %d, want 1", got)
	}
	d := l.Check(ctx, alice(), "activity")
	if d.Reason != ReasonUserMinute || d.RetryAfter != 58*time.Second {
		t.Errorf("check at t=60s = %+v, want %s retry in 58s", d, ReasonUserMinute)
	}

	clk.Add(58 * time.Second)
	if got := burst(60); got != 59 {
		t.Errorf("t=118s: allowed %d, want 59", got)
	}
}

func TestRateLimiterViolationsExpireAfterPeriod(t *testing.T) {
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{
		ViolationThreshold: 2,
		ViolationPeriod:    10 * time.Minute,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   time.Hour,
	})

	l.RecordViolation("alice", "spam")
	l.RecordViolation("alice", "spam")
	if v, ok := l.Violation("alice"); !ok || v.Count != 2 {
		t.Fatalf("Violation = %+v, %v; want count 2", v, ok)
	}

	clk.Add(10*time.Minute + time.Second)
	if v, ok := l.Violation("alice"); ok {
		t.Errorf("violation record survived its period: %+v", v)
	}
	if d := l.RecordViolation("alice", "spam"); d != 0 {
		t.Errorf("first violation of a new period blocked for %v", d)
	}
	if v, _ := l.Violation("alice"); v.Count != 1 || !v.FirstViolationAt.Equal(clk.Now()) {
		t.Errorf("Violation after reset = %+v", v)
	}
}

func TestRateLimiterViolationPeriodRolls(t *testing.T) {
	clk := newMockClock()
	l := NewRateLimiter(clk, config.RateLimit{
		ViolationThreshold: 2,
		ViolationPeriod:    10 * time.Minute,
		BaseBlockDuration:  time.Minute,
		MaxBlockDuration:   time.Hour,
	})

	l.RecordViolation("alice", "spam")
	clk.Add(9 * time.Minute)
	l.RecordViolation("alice", "flood")
	clk.Add(2 * time.Minute)
	// The first violation is 11 minutes old; the second still counts.
	if d := l.RecordViolation("alice", "flood"); d != 0 {
		t.Errorf("two violations in the trailing period blocked for %v", d)
	}
	v, _ := l.Violation("alice")
	if v.Count != 2 || len(v.Types) != 1 || v.Types[0] != "flood" {
		t.Errorf("Violation = %+v", v)
	}
	if want := epoch.Add(9 * time.Minute); !v.FirstViolationAt.Equal(want) {
		t.Errorf("FirstViolationAt = %v, want %v", v.FirstViolationAt, want)
	}

	// A third inside the trailing period crosses the threshold even though
	// the period that began with the first violation has ended.
	clk.Add(time.Minute)
	if d := l.RecordViolation("alice", "flood"); d != 2*time.Minute {
		t.Errorf("block = %v, want 2m", d)
	}
}
