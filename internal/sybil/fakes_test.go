package sybil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var now = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu               sync.Mutex
	users            map[string]*domain.UserRecord
	activity         map[string][]domain.ActivityRecord
	locations        map[string][]domain.LocationRecord
	endorsements     []domain.EndorsementRecord
	votes            []domain.VoteRecord
	reports          []domain.ReportRecord
	created          []domain.UserRecord
	suspendedDevices []string

	activityErr error
	votesErr    error
	reportsErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*domain.UserRecord),
		activity:  make(map[string][]domain.ActivityRecord),
		locations: make(map[string][]domain.LocationRecord),
	}
}

func (s *fakeStore) addUser(u domain.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now.Add(-30 * 24 * time.Hour)
	}
	if u.Status == "" {
		u.Status = domain.UserActive
	}
	s.users[u.ID] = &u
}

// connect gives userID n distinct endorsement peers.
func (s *fakeStore) connect(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.endorsements = append(s.endorsements, domain.EndorsementRecord{
			FromUserID: userID,
			ToUserID:   userID + "-peer-" + string(rune('a'+i)),
			Timestamp:  now.Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

func (s *fakeStore) LoadUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *fakeStore) LoadRecentActivity(ctx context.Context, userID string, window time.Duration) ([]domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity[userID], s.activityErr
}

func (s *fakeStore) LoadVotingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.VoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VoteRecord
	for _, v := range s.votes {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadReportingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReportRecord
	for _, r := range s.reports {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadLocationHistory(ctx context.Context, userID string, window time.Duration) ([]domain.LocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locations[userID], nil
}

func (s *fakeStore) LoadEndorsements(ctx context.Context, userID string, window time.Duration) ([]domain.EndorsementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EndorsementRecord
	for _, e := range s.endorsements {
		if e.FromUserID == userID || e.ToUserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadVoteTallies(ctx context.Context, targetIDs []string, excludeUserID string) (map[string]domain.VoteTally, error) {
	return nil, nil
}

func (s *fakeStore) LoadRecentAccountCreations(ctx context.Context, window time.Duration, limit int) ([]domain.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, nil
}

func (s *fakeStore) LoadRecentVotes(ctx context.Context, window time.Duration, limit int) ([]domain.VoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VoteRecord(nil), s.votes...), s.votesErr
}

func (s *fakeStore) LoadRecentReports(ctx context.Context, window time.Duration, limit int) ([]domain.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports, s.reportsErr
}

func (s *fakeStore) LoadRecentEndorsements(ctx context.Context, window time.Duration, limit int) ([]domain.EndorsementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endorsements, nil
}

func (s *fakeStore) ListSuspendedDevices(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendedDevices, nil
}

type fakeTrust struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
}

func (f *fakeTrust) set(userID string, v float64) {
	f.mu.Lock()
	f.scores[userID] = v
	f.mu.Unlock()
}

func (f *fakeTrust) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.scores[userID]
	if !ok {
		v = 0.5
	}
	return &domain.TrustScore{UserID: userID, Overall: v}, nil
}

type suspender struct {
	mu         sync.Mutex
	suspended  []string
	reasons    []string
	reinstated []string
	err        error
}

func (s *suspender) SuspendUser(ctx context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = append(s.suspended, userID)
	s.reasons = append(s.reasons, reason)
	return s.err
}

func (s *suspender) ReinstateUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinstated = append(s.reinstated, userID)
	return nil
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *alertRecorder) RecordAlert(ctx context.Context, a domain.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *alertRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Kind
	}
	return out
}

type fixture struct {
	engine    *Engine
	store     *fakeStore
	trust     *fakeTrust
	suspender *suspender
	alerts    *alertRecorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     newFakeStore(),
		trust:     &fakeTrust{scores: make(map[string]float64)},
		suspender: &suspender{},
		alerts:    &alertRecorder{},
	}
	if opts.Suspender == nil {
		opts.Suspender = f.suspender
	}
	if opts.Alerts == nil {
		opts.Alerts = f.alerts
	}
	opts.Now = func() time.Time { return now }

	engine, err := NewEngine(domain.DefaultSybilConfig(), f.store, f.trust, cache.NewLRUCache(1000), opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	f.engine = engine
	return f
}

// botActivity is n actions spaced gap apart, ending an hour before now.
func botActivity(userID string, n int, gap time.Duration) []domain.ActivityRecord {
	start := now.Add(-time.Hour)
	recs := make([]domain.ActivityRecord, n)
	for i := range recs {
		recs[i] = domain.ActivityRecord{
			UserID:    userID,
			Action:    domain.ActionConfirm,
			Timestamp: start.Add(time.Duration(i) * gap),
		}
	}
	return recs
}

func hasFlag(flags []domain.SybilFlag, t domain.FlagType) (domain.SybilFlag, bool) {
	for _, f := range flags {
		if f.Type == t {
			return f, true
		}
	}
	return domain.SybilFlag{}, false
}
