// Package behavior gathers a user's recent activity, votes, reports,
// locations and endorsements from the store and condenses them into the
// summaries the sybil engine scores.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Summary is everything the aggregator knows about one user.
type Summary struct {
	User         *domain.UserRecord
	LastActivity time.Time
	Activity     domain.ActivityPattern
	Voting       domain.VotingHistory
	Reporting    domain.ReportingHistory
	Location     domain.LocationHistory
	Network      domain.NetworkConnections

	// Devices are the distinct fingerprints seen on the account and its activity.
	Devices []string
}

// Aggregator reads windowed behavior for one user at a time.
type Aggregator struct {
	store domain.BehaviorStore
	cfg   domain.SybilConfig
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store domain.BehaviorStore, cfg domain.SybilConfig) *Aggregator {
	return &Aggregator{store: store, cfg: cfg}
}

// Aggregate loads and summarizes the user's behavior. The window reads run
// concurrently; the first failure cancels the rest.
func (a *Aggregator) Aggregate(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	user, err := a.store.LoadUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	var (
		activity     []domain.ActivityRecord
		votes        []domain.VoteRecord
		reports      []domain.ReportRecord
		locations    []domain.LocationRecord
		endorsements []domain.EndorsementRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		activity, err = a.store.LoadRecentActivity(gctx, userID, a.cfg.ActivityWindow)
		if err != nil {
			return fmt.Errorf("load activity: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		votes, err = a.store.LoadVotingHistory(gctx, userID, a.cfg.HistoryWindow)
		if err != nil {
			return fmt.Errorf("load votes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		reports, err = a.store.LoadReportingHistory(gctx, userID, a.cfg.HistoryWindow)
		if err != nil {
			return fmt.Errorf("load reports: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		locations, err = a.store.LoadLocationHistory(gctx, userID, a.cfg.HistoryWindow)
		if err != nil {
			return fmt.Errorf("load locations: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		endorsements, err = a.store.LoadEndorsements(gctx, userID, a.cfg.EndorsementWindow)
		if err != nil {
			return fmt.Errorf("load endorsements: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var tallies map[string]domain.VoteTally
	if len(votes) > 0 {
		targets := distinctTargets(votes)
		tallies, err = a.store.LoadVoteTallies(ctx, targets, userID)
		if err != nil {
			return nil, fmt.Errorf("load vote tallies: %w", err)
		}
	}

	s := &Summary{
		User:      user,
		Activity:  ActivityPatternFrom(activity, a.cfg),
		Voting:    VotingHistoryFrom(votes, tallies, a.cfg),
		Reporting: ReportingHistoryFrom(reports, a.cfg),
		Location:  LocationHistoryFrom(locations, a.cfg),
		Network:   NetworkFrom(userID, endorsements),
		Devices:   devices(user, activity),
	}
	s.LastActivity = s.Activity.LastAction
	if s.LastActivity.IsZero() {
		s.LastActivity = user.CreatedAt
	}
	return s, nil
}

func distinctTargets(votes []domain.VoteRecord) []string {
	seen := make(map[string]struct{}, len(votes))
	var targets []string
	for _, v := range votes {
		if _, ok := seen[v.TargetID]; ok {
			continue
		}
		seen[v.TargetID] = struct{}{}
		targets = append(targets, v.TargetID)
	}
	return targets
}

func devices(user *domain.UserRecord, activity []domain.ActivityRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(fp string) {
		if fp == "" {
			return
		}
		if _, ok := seen[fp]; ok {
			return
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	add(user.DeviceFingerprint)
	for _, r := range activity {
		add(r.DeviceFingerprint)
	}
	return out
}
