package behavior

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var t0 = time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	user         *domain.UserRecord
	activity     []domain.ActivityRecord
	votes        []domain.VoteRecord
	reports      []domain.ReportRecord
	locations    []domain.LocationRecord
	endorsements []domain.EndorsementRecord
	tallies      map[string]domain.VoteTally
	err          error
}

func (f *fakeStore) LoadUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	if f.user == nil {
		return nil, domain.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeStore) LoadRecentActivity(ctx context.Context, userID string, window time.Duration) ([]domain.ActivityRecord, error) {
	return f.activity, f.err
}

func (f *fakeStore) LoadVotingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.VoteRecord, error) {
	return f.votes, nil
}

func (f *fakeStore) LoadReportingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.ReportRecord, error) {
	return f.reports, nil
}

func (f *fakeStore) LoadLocationHistory(ctx context.Context, userID string, window time.Duration) ([]domain.LocationRecord, error) {
	return f.locations, nil
}

func (f *fakeStore) LoadEndorsements(ctx context.Context, userID string, window time.Duration) ([]domain.EndorsementRecord, error) {
	return f.endorsements, nil
}

func (f *fakeStore) LoadVoteTallies(ctx context.Context, targetIDs []string, excludeUserID string) (map[string]domain.VoteTally, error) {
	return f.tallies, nil
}

func evenActivity(n int, gap time.Duration) []domain.ActivityRecord {
	recs := make([]domain.ActivityRecord, n)
	for i := range recs {
		recs[i] = domain.ActivityRecord{UserID: "u", Action: domain.ActionConfirm, Timestamp: t0.Add(time.Duration(i) * gap)}
	}
	return recs
}

func TestActivityPattern(t *testing.T) {
	cfg := domain.DefaultSybilConfig()

	t.Run("Empty", func(t *testing.T) {
		p := ActivityPatternFrom(nil, cfg)
		if p.TotalActions != 0 || p.AutomatedBehavior {
			t.Errorf("unexpected pattern %+v", p)
		}
	})

	t.Run("BurstAndConsistentTiming", func(t *testing.T) {
		p := ActivityPatternFrom(evenActivity(25, 10*time.Second), cfg)
		if p.BurstCount != 25 {
			t.Errorf("expected burst count 25, got %d", p.BurstCount)
		}
		if !p.ConsistentTiming {
			t.Error("expected consistent timing")
		}
		if !p.AutomatedBehavior {
			t.Error("expected automated behavior")
		}
		if p.DominantPeriod != 10 || p.DominantPeriodShare != 1 {
			t.Errorf("expected a 10s period with full share, got %v/%v", p.DominantPeriod, p.DominantPeriodShare)
		}
		if len(p.PeakHours) != 1 || p.PeakHours[0] != 9 {
			t.Errorf("expected peak hour 9, got %v", p.PeakHours)
		}
	})

	t.Run("HumanPace", func(t *testing.T) {
		gaps := []time.Duration{3 * time.Minute, 47 * time.Minute, 12 * time.Minute, 2 * time.Hour, 8 * time.Minute, 31 * time.Minute}
		recs := []domain.ActivityRecord{{Timestamp: t0}}
		at := t0
		for _, g := range gaps {
			at = at.Add(g)
			recs = append(recs, domain.ActivityRecord{Timestamp: at})
		}
		p := ActivityPatternFrom(recs, cfg)
		if p.ConsistentTiming || p.AutomatedBehavior {
			t.Errorf("irregular activity flagged as automated: %+v", p)
		}
		if p.BurstCount != 2 {
			t.Errorf("expected burst count 2, got %d", p.BurstCount)
		}
	})

	t.Run("TooFewIntervalsForCV", func(t *testing.T) {
		p := ActivityPatternFrom(evenActivity(3, time.Hour), cfg)
		if p.ConsistentTiming {
			t.Error("two intervals should not establish consistent timing")
		}
	})

	t.Run("DominantPeriodWithJitter", func(t *testing.T) {
		// Eight 60s gaps and two outliers: CV is high but the period dominates.
		gaps := []time.Duration{60, 60, 60, 600, 60, 60, 60, 5, 60, 60}
		recs := []domain.ActivityRecord{{Timestamp: t0}}
		at := t0
		for _, g := range gaps {
			at = at.Add(g * time.Second)
			recs = append(recs, domain.ActivityRecord{Timestamp: at})
		}
		p := ActivityPatternFrom(recs, cfg)
		if p.ConsistentTiming {
			t.Error("outliers should break the CV test")
		}
		if p.DominantPeriodShare < 0.7 || !p.AutomatedBehavior {
			t.Errorf("expected periodic automation, got share %v", p.DominantPeriodShare)
		}
	})
}

func TestVotingHistory(t *testing.T) {
	cfg := domain.DefaultSybilConfig()
	votes := []domain.VoteRecord{
		{TargetID: "e1", Value: 1, Timestamp: t0},
		{TargetID: "e2", Value: -1, Timestamp: t0.Add(20 * time.Second)},
		{TargetID: "e3", Value: 1, Timestamp: t0.Add(40 * time.Second)},
		{TargetID: "e4", Value: 1, Timestamp: t0.Add(time.Hour)},
		{TargetID: "e5", Value: 1, Timestamp: t0.Add(2 * time.Hour)},
	}
	tallies := map[string]domain.VoteTally{
		"e1": {Up: 5, Down: 1},
		"e2": {Up: 4, Down: 0},
		"e3": {Up: 0, Down: 3},
		"e4": {Up: 2, Down: 2},
	}

	h := VotingHistoryFrom(votes, tallies, cfg)
	if h.TotalVotes != 5 {
		t.Errorf("expected 5 votes, got %d", h.TotalVotes)
	}
	if h.ComparableVotes != 3 {
		t.Errorf("tie and unvoted targets must be skipped, got %d comparable", h.ComparableVotes)
	}
	if math.Abs(h.ConsensusAlignment-1.0/3.0) > 1e-9 {
		t.Errorf("expected alignment 1/3, got %v", h.ConsensusAlignment)
	}
	if len(h.Clusters) != 1 || h.Clusters[0].Count != 3 {
		t.Fatalf("expected one cluster of 3, got %+v", h.Clusters)
	}
	if len(h.Clusters[0].Targets) != 3 {
		t.Errorf("expected 3 cluster targets, got %v", h.Clusters[0].Targets)
	}

	t.Run("NoOtherVoters", func(t *testing.T) {
		h := VotingHistoryFrom(votes[:1], nil, cfg)
		if h.HasConsensusSignal() {
			t.Error("expected no consensus signal without other voters")
		}
	})
}

func TestReportingHistory(t *testing.T) {
	cfg := domain.DefaultSybilConfig()
	reports := []domain.ReportRecord{
		{ID: "r1", EventType: "fire", Latitude: 40.7128, Longitude: -74.0060, Status: domain.ReportVerified, Timestamp: t0},
		{ID: "r2", EventType: "fire", Latitude: 40.7130, Longitude: -74.0065, Status: domain.ReportRejected, Timestamp: t0.Add(2 * time.Minute)},
		{ID: "r3", EventType: "flood", Latitude: 40.7135, Longitude: -74.0058, Status: domain.ReportPending, Timestamp: t0.Add(4 * time.Minute)},
		{ID: "r4", EventType: "fire", Latitude: 34.0522, Longitude: -118.2437, Status: domain.ReportVerified, Timestamp: t0.Add(5 * time.Minute)},
	}

	h := ReportingHistoryFrom(reports, cfg)
	if h.TotalReports != 4 || h.VerifiedReports != 2 || h.RejectedReports != 1 {
		t.Errorf("unexpected totals %+v", h)
	}
	if math.Abs(h.AccuracyRate-2.0/3.0) > 1e-9 {
		t.Errorf("expected accuracy 2/3, got %v", h.AccuracyRate)
	}
	if h.ReportsPerType["fire"] != 3 {
		t.Errorf("expected 3 fire reports, got %d", h.ReportsPerType["fire"])
	}
	if len(h.Clusters) != 1 || h.Clusters[0].Count != 3 {
		t.Fatalf("expected one cluster of 3, got %+v", h.Clusters)
	}
}

func TestLocationHistory(t *testing.T) {
	cfg := domain.DefaultSybilConfig()

	t.Run("ImpossibleTravel", func(t *testing.T) {
		points := []domain.LocationRecord{
			{Latitude: 40.7128, Longitude: -74.0060, Timestamp: t0},
			{Latitude: 34.0522, Longitude: -118.2437, Timestamp: t0.Add(30 * time.Minute)},
		}
		h := LocationHistoryFrom(points, cfg)
		if !h.ImpossibleTravel {
			t.Errorf("NYC to LA in 30 minutes should be impossible, speed %v", h.MaxSpeedKmh)
		}
		if h.DistinctCells != 2 {
			t.Errorf("expected 2 cells, got %d", h.DistinctCells)
		}
	})

	t.Run("AccuracyAbsorbsJitter", func(t *testing.T) {
		points := []domain.LocationRecord{
			{Latitude: 40.7128, Longitude: -74.0060, AccuracyMeters: 500, Timestamp: t0},
			{Latitude: 40.7200, Longitude: -74.0060, AccuracyMeters: 500, Timestamp: t0.Add(time.Second)},
		}
		h := LocationHistoryFrom(points, cfg)
		if h.ImpossibleTravel || h.MaxSpeedKmh != 0 {
			t.Errorf("jitter inside reported accuracy should not count, got %v km/h", h.MaxSpeedKmh)
		}
	})
}

func TestNetwork(t *testing.T) {
	endorsements := []domain.EndorsementRecord{
		{FromUserID: "a", ToUserID: "u"},
		{FromUserID: "u", ToUserID: "a"},
		{FromUserID: "b", ToUserID: "u"},
		{FromUserID: "u", ToUserID: "c"},
		{FromUserID: "u", ToUserID: "u"},
	}
	n := NetworkFrom("u", endorsements)
	if n.Distinct != 3 || n.Mutual != 1 || n.Endorsers != 2 || n.Endorsed != 2 {
		t.Errorf("unexpected network %+v", n)
	}
}

func TestDistanceKm(t *testing.T) {
	d := DistanceKm(40.7128, -74.0060, 34.0522, -118.2437)
	if d < 3900 || d > 4000 {
		t.Errorf("expected ~3936 km, got %v", d)
	}
	if DistanceKm(1, 1, 1, 1) != 0 {
		t.Error("expected zero distance")
	}
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	cfg := domain.DefaultSybilConfig()

	t.Run("Summary", func(t *testing.T) {
		store := &fakeStore{
			user:     &domain.UserRecord{ID: "u", CreatedAt: t0.Add(-time.Hour), DeviceFingerprint: "dev-1"},
			activity: evenActivity(4, time.Minute),
			votes:    []domain.VoteRecord{{TargetID: "e1", Value: 1, Timestamp: t0}},
			tallies:  map[string]domain.VoteTally{"e1": {Up: 3}},
		}
		store.activity[2].DeviceFingerprint = "dev-2"

		s, err := NewAggregator(store, cfg).Aggregate(ctx, "u")
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		if s.Activity.TotalActions != 4 {
			t.Errorf("expected 4 actions, got %d", s.Activity.TotalActions)
		}
		if s.Voting.ConsensusAlignment != 1 {
			t.Errorf("expected full alignment, got %v", s.Voting.ConsensusAlignment)
		}
		if len(s.Devices) != 2 {
			t.Errorf("expected 2 devices, got %v", s.Devices)
		}
		if !s.LastActivity.Equal(t0.Add(3 * time.Minute)) {
			t.Errorf("unexpected last activity %v", s.LastActivity)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := NewAggregator(&fakeStore{}, cfg).Aggregate(ctx, "ghost")
		if !errors.Is(err, domain.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})

	t.Run("StoreFailure", func(t *testing.T) {
		store := &fakeStore{user: &domain.UserRecord{ID: "u"}, err: errors.New("timeout")}
		if _, err := NewAggregator(store, cfg).Aggregate(ctx, "u"); err == nil {
			t.Error("expected store failure to propagate")
		}
	})
}
