package sybil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector names.
const (
	DetectorCreationBurst       = "account_creation_burst"
	DetectorCoordinatedVoting   = "coordinated_voting"
	DetectorClusteredReporting  = "clustered_reporting"
	DetectorCircularEndorsement = "circular_endorsement"
)

type detector struct {
	name string
	run  func(ctx context.Context, scores *trustLookup) (*domain.CoordinatedAttackFinding, error)
}

func (e *Engine) detectors() []detector {
	return []detector{
		{DetectorCreationBurst, e.detectCreationBurst},
		{DetectorCoordinatedVoting, e.detectCoordinatedVoting},
		{DetectorClusteredReporting, e.detectClusteredReporting},
		{DetectorCircularEndorsement, e.detectCircularEndorsement},
	}
}

// RunDetectors runs every detector concurrently and returns one result per
// detector in a fixed order. A failing or panicking detector yields a result
// with Err set and does not affect the others.
func (e *Engine) RunDetectors(ctx context.Context) []domain.DetectorResult {
	ds := e.detectors()
	results := make([]domain.DetectorResult, len(ds))
	scores := newTrustLookup(e.trust)

	var g errgroup.Group
	if n := e.cfg.Detection.Parallelism; n > 0 {
		g.SetLimit(n)
	}
	for i, d := range ds {
		g.Go(func() error {
			results[i].Detector = d.name
			defer func() {
				if r := recover(); r != nil {
					results[i].Finding = nil
					results[i].Err = fmt.Errorf("detector %s panicked: %v", d.name, r)
				}
			}()
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Finding, results[i].Err = d.run(ctx, scores)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DetectCoordinatedAttacks scans recent cross-user activity and returns the
// highest-confidence positive finding, or a negative finding. Detector
// failures are logged and skipped; only cancellation is returned as an error.
func (e *Engine) DetectCoordinatedAttacks(ctx context.Context) (*domain.CoordinatedAttackFinding, error) {
	ctx, span := tracer.Start(ctx, "sybil.DetectCoordinatedAttacks")
	defer span.End()

	results := e.RunDetectors(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *domain.CoordinatedAttackFinding
	for _, r := range results {
		if r.Err != nil {
			slog.Warn("coordinated-attack detector failed", "detector", r.Detector, "error", r.Err)
			e.metrics.ObserveDetectorError(r.Detector)
			continue
		}
		if r.Finding == nil || !r.Finding.Detected {
			continue
		}
		if best == nil || r.Finding.Confidence > best.Confidence {
			best = r.Finding
		}
	}
	if best == nil {
		return domain.NoAttack(e.now()), nil
	}

	best.ID = uuid.New().String()
	span.SetAttributes(
		attribute.String("attack.type", string(best.AttackType)),
		attribute.Float64("attack.confidence", best.Confidence),
	)
	e.metrics.ObserveFinding(string(best.AttackType))

	severity := domain.SeverityHigh
	if best.Confidence >= 0.8 {
		severity = domain.SeverityCritical
	}
	slog.Warn("coordinated attack detected",
		"attack_type", best.AttackType,
		"confidence", best.Confidence,
		"users", len(best.InvolvedUsers),
	)
	e.recordAlert(ctx, domain.AlertCoordinatedAttack, severity,
		fmt.Sprintf("%s involving %d users (confidence %.2f)", best.AttackType, len(best.InvolvedUsers), best.Confidence),
		map[string]any{
			"findingId":     best.ID,
			"attackType":    string(best.AttackType),
			"involvedUsers": best.InvolvedUsers,
			"confidence":    best.Confidence,
			"evidence":      best.Evidence,
		})
	e.publishFinding(ctx, best)
	return best, nil
}

func (e *Engine) publishFinding(ctx context.Context, f *domain.CoordinatedAttackFinding) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		slog.Warn("failed to encode finding", "finding_id", f.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicAttackDetected, payload); err != nil {
		slog.Warn("failed to publish finding", "finding_id", f.ID, "error", err)
	}
}

// detectCreationBurst looks for many low-trust accounts created in the
// window from one origin group.
func (e *Engine) detectCreationBurst(ctx context.Context, scores *trustLookup) (*domain.CoordinatedAttackFinding, error) {
	det := e.cfg.Detection
	users, err := e.store.LoadRecentAccountCreations(ctx, det.Window, det.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("load account creations: %w", err)
	}

	var suspicious []domain.UserRecord
	for _, u := range users {
		s, err := scores.get(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if s < det.CreationSuspicionTrust {
			suspicious = append(suspicious, u)
		}
	}
	if len(suspicious) <= det.CreationBurstMax {
		return nil, nil
	}

	groups := make(map[string]int)
	for _, u := range suspicious {
		if key := e.origins.Resolve(u.Origin); key != "" {
			groups[key]++
		}
	}
	topOrigin, topCount := "", 0
	for key, n := range groups {
		if n > topCount || (n == topCount && key < topOrigin) {
			topOrigin, topCount = key, n
		}
	}
	share := float64(topCount) / float64(len(suspicious))
	if topCount == 0 || share < det.CreationOriginShare {
		return nil, nil
	}

	ids := make([]string, len(suspicious))
	for i, u := range suspicious {
		ids[i] = u.ID
	}
	sort.Strings(ids)
	return &domain.CoordinatedAttackFinding{
		AttackType:    domain.AttackAccountCreationBurst,
		Detected:      true,
		InvolvedUsers: ids,
		Confidence:    det.CreationConfidence,
		Evidence: []string{
			fmt.Sprintf("%d accounts with trust below %.2f created within %s", len(ids), det.CreationSuspicionTrust, det.Window),
			fmt.Sprintf("%d of them (%.0f%%) from origin %s", topCount, share*100, topOrigin),
		},
		DetectedAt: e.now(),
	}, nil
}

type voteKey struct {
	target string
	value  int
}

// detectCoordinatedVoting looks for many users casting the same vote on one
// target within a short window.
func (e *Engine) detectCoordinatedVoting(ctx context.Context, scores *trustLookup) (*domain.CoordinatedAttackFinding, error) {
	det := e.cfg.Detection
	votes, err := e.store.LoadRecentVotes(ctx, det.Window, det.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}

	groups := make(map[voteKey][]domain.VoteRecord)
	for _, v := range votes {
		k := voteKey{target: v.TargetID, value: v.Value}
		groups[k] = append(groups[k], v)
	}
	keys := make([]voteKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].target != keys[j].target {
			return keys[i].target < keys[j].target
		}
		return keys[i].value < keys[j].value
	})

	var bestKey voteKey
	var bestUsers []string
	for _, k := range keys {
		users := densestVoters(groups[k], det.VotingWindow)
		if len(users) > len(bestUsers) {
			bestKey, bestUsers = k, users
		}
	}
	if len(bestUsers) < det.VotingMinUsers {
		return nil, nil
	}

	low, err := scores.countBelow(ctx, bestUsers, det.VotingLowTrust)
	if err != nil {
		return nil, err
	}
	share := float64(low) / float64(len(bestUsers))
	return &domain.CoordinatedAttackFinding{
		AttackType:    domain.AttackCoordinatedVoting,
		Detected:      true,
		InvolvedUsers: bestUsers,
		Confidence:    math.Min(1, 0.6+0.3*share),
		Evidence: []string{
			fmt.Sprintf("%d users voted %+d on %s within %s", len(bestUsers), bestKey.value, bestKey.target, det.VotingWindow),
			fmt.Sprintf("%d of them have trust below %.2f", low, det.VotingLowTrust),
		},
		DetectedAt: e.now(),
	}, nil
}

// densestVoters returns the sorted distinct voters of the window holding the
// most distinct voters.
func densestVoters(votes []domain.VoteRecord, window time.Duration) []string {
	sort.Slice(votes, func(i, j int) bool { return votes[i].Timestamp.Before(votes[j].Timestamp) })
	counts := make(map[string]int)
	var best []string
	lo := 0
	for hi := range votes {
		counts[votes[hi].UserID]++
		for votes[hi].Timestamp.Sub(votes[lo].Timestamp) > window {
			u := votes[lo].UserID
			if counts[u]--; counts[u] == 0 {
				delete(counts, u)
			}
			lo++
		}
		if len(counts) > len(best) {
			best = best[:0]
			for u := range counts {
				best = append(best, u)
			}
		}
	}
	sort.Strings(best)
	return best
}

// detectClusteredReporting looks for reports from many mostly low-trust
// users close together in time and space.
func (e *Engine) detectClusteredReporting(ctx context.Context, scores *trustLookup) (*domain.CoordinatedAttackFinding, error) {
	det := e.cfg.Detection
	reports, err := e.store.LoadRecentReports(ctx, det.Window, det.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}

	reporter := make(map[string]string, len(reports))
	for _, r := range reports {
		reporter[r.ID] = r.UserID
	}

	var best *domain.CoordinatedAttackFinding
	for _, c := range behavior.ReportClusters(reports, det.ReportingWindow, det.ReportingRadiusKm, det.ReportingMinUsers) {
		seen := make(map[string]struct{})
		var users []string
		for _, id := range c.ReportIDs {
			u := reporter[id]
			if _, ok := seen[u]; ok || u == "" {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
		if len(users) < det.ReportingMinUsers {
			continue
		}
		low, err := scores.countBelow(ctx, users, det.ReportingLowTrust)
		if err != nil {
			return nil, err
		}
		share := float64(low) / float64(len(users))
		if share < det.ReportingLowTrustShare {
			continue
		}
		sort.Strings(users)
		conf := math.Min(0.9, 0.5+0.4*share)
		if best != nil && (conf < best.Confidence || (conf == best.Confidence && len(users) <= len(best.InvolvedUsers))) {
			continue
		}
		best = &domain.CoordinatedAttackFinding{
			AttackType:    domain.AttackClusteredReporting,
			Detected:      true,
			InvolvedUsers: users,
			Confidence:    conf,
			Evidence: []string{
				fmt.Sprintf("%d reports from %d users within %s and %.1f km of (%.4f, %.4f)",
					c.Count, len(users), det.ReportingWindow, det.ReportingRadiusKm, c.Latitude, c.Longitude),
				fmt.Sprintf("%.0f%% of reporters have trust below %.2f", share*100, det.ReportingLowTrust),
			},
			DetectedAt: e.now(),
		}
	}
	return best, nil
}

// detectCircularEndorsement looks for users endorsing each other in a cycle.
func (e *Engine) detectCircularEndorsement(ctx context.Context, _ *trustLookup) (*domain.CoordinatedAttackFinding, error) {
	det := e.cfg.Detection
	rings, err := e.graph.Rings(ctx, det.EndorsementWindow, det.RingMinSize)
	if err != nil {
		return nil, fmt.Errorf("find endorsement rings: %w", err)
	}
	if len(rings) == 0 {
		return nil, nil
	}

	largest := rings[0]
	evidence := []string{fmt.Sprintf("%d users endorse each other in a cycle within %s", len(largest), det.EndorsementWindow)}
	if len(rings) > 1 {
		evidence = append(evidence, fmt.Sprintf("%d further rings found", len(rings)-1))
	}
	return &domain.CoordinatedAttackFinding{
		AttackType:    domain.AttackCircularEndorsement,
		Detected:      true,
		InvolvedUsers: append([]string(nil), largest...),
		Confidence:    math.Min(0.9, 0.6+0.05*float64(len(largest)-det.RingMinSize)),
		Evidence:      evidence,
		DetectedAt:    e.now(),
	}, nil
}

// trustLookup memoizes trust scores for one scan.
type trustLookup struct {
	reader TrustReader
	mu     sync.Mutex
	scores map[string]float64
}

func newTrustLookup(r TrustReader) *trustLookup {
	return &trustLookup{reader: r, scores: make(map[string]float64)}
}

func (l *trustLookup) get(ctx context.Context, userID string) (float64, error) {
	l.mu.Lock()
	s, ok := l.scores[userID]
	l.mu.Unlock()
	if ok {
		return s, nil
	}
	score, err := l.reader.GetTrustScore(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("trust score for %s: %w", userID, err)
	}
	l.mu.Lock()
	l.scores[userID] = score.Overall
	l.mu.Unlock()
	return score.Overall, nil
}

func (l *trustLookup) countBelow(ctx context.Context, users []string, threshold float64) (int, error) {
	n := 0
	for _, u := range users {
		s, err := l.get(ctx, u)
		if err != nil {
			return 0, err
		}
		if s < threshold {
			n++
		}
	}
	return n, nil
}
