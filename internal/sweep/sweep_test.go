package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeAnalyzer struct {
	mu        sync.Mutex
	monitored []string
	analyzed  []string
	failFor   map[string]bool
	scans     atomic.Int32
	scanErr   error
	finding   *domain.CoordinatedAttackFinding

	// onAnalyze runs before each analysis, with the context the sweep passed
	onAnalyze func(ctx context.Context, userID string)
}

func (f *fakeAnalyzer) MonitoredUsers() []string { return f.monitored }

func (f *fakeAnalyzer) AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error) {
	if f.onAnalyze != nil {
		f.onAnalyze(ctx, userID)
	}
	if f.failFor[userID] {
		return nil, errors.New("store timeout")
	}
	f.mu.Lock()
	f.analyzed = append(f.analyzed, userID)
	f.mu.Unlock()
	return &domain.UserBehaviorProfile{UserID: userID}, nil
}

func (f *fakeAnalyzer) DetectCoordinatedAttacks(ctx context.Context) (*domain.CoordinatedAttackFinding, error) {
	f.scans.Add(1)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if f.finding != nil {
		return f.finding, nil
	}
	return &domain.CoordinatedAttackFinding{AttackType: domain.AttackNone}, nil
}

type fakeDecayer struct {
	calls atomic.Int32
	limit int
	err   error
}

func (d *fakeDecayer) DecayInactive(ctx context.Context, limit int) (int, error) {
	d.calls.Add(1)
	d.limit = limit
	return 2, d.err
}

func config() domain.SweepConfig {
	return domain.SweepConfig{Enabled: true, Interval: time.Minute, MaxUsersPerTick: 3, DecayBatch: 10}
}

func TestTick(t *testing.T) {
	a := &fakeAnalyzer{
		monitored: []string{"a", "b", "c", "d", "e"},
		failFor:   map[string]bool{"b": true},
		finding:   &domain.CoordinatedAttackFinding{AttackType: domain.AttackCircularEndorsement, Detected: true},
	}
	d := &fakeDecayer{}
	s, err := New(config(), a, d, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := s.Tick(context.Background())
	if r.Analyzed != 2 || r.Errors != 1 || r.Skipped != 2 {
		t.Errorf("unexpected report %+v", r)
	}
	if len(a.analyzed) != 2 || a.analyzed[0] != "a" || a.analyzed[1] != "c" {
		t.Errorf("expected a and c analyzed, got %v", a.analyzed)
	}
	if r.Finding == nil || !r.Finding.Detected {
		t.Errorf("expected finding in report, got %+v", r.Finding)
	}
	if d.calls.Load() != 1 || d.limit != 10 || r.Decayed != 2 {
		t.Errorf("expected one decay pass of 10, got %d calls limit %d", d.calls.Load(), d.limit)
	}
}

func TestTickScanAndDecayErrors(t *testing.T) {
	a := &fakeAnalyzer{scanErr: context.DeadlineExceeded}
	d := &fakeDecayer{err: errors.New("db down")}
	s, _ := New(config(), a, d, nil)

	r := s.Tick(context.Background())
	if r.Errors != 2 {
		t.Errorf("expected scan and decay errors, got %+v", r)
	}
}

func TestTickCancelledBetweenUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled atomic.Bool
	a := &fakeAnalyzer{monitored: []string{"a", "b", "c"}}
	a.onAnalyze = func(uctx context.Context, userID string) {
		if userID == "a" {
			cancel()
		}
		if uctx.Err() != nil {
			sawCancelled.Store(true)
		}
	}
	d := &fakeDecayer{}
	s, _ := New(config(), a, d, nil)

	r := s.Tick(ctx)
	if sawCancelled.Load() {
		t.Error("an analysis in progress must not see the cancellation")
	}
	if r.Analyzed != 1 || r.Skipped != 2 {
		t.Errorf("expected only the in-flight user to finish, got %+v", r)
	}
	if a.scans.Load() != 0 || d.calls.Load() != 0 {
		t.Error("no new work should start after cancellation")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := &fakeAnalyzer{}
	cfg := config()
	cfg.Interval = 5 * time.Millisecond
	s, _ := New(cfg, a, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for a.scans.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if a.scans.Load() < 2 {
		t.Fatal("expected at least two ticks")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(config(), nil, nil, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	cfg := config()
	cfg.Interval = 0
	if _, err := New(cfg, &fakeAnalyzer{}, nil, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
