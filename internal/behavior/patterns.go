package behavior

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActivityPatternFrom derives timing statistics from a user's recent actions.
func ActivityPatternFrom(records []domain.ActivityRecord, cfg domain.SybilConfig) domain.ActivityPattern {
	var p domain.ActivityPattern
	if len(records) == 0 {
		return p
	}

	times := make([]time.Time, len(records))
	for i, r := range records {
		times[i] = r.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	p.TotalActions = len(times)
	p.FirstAction = times[0]
	p.LastAction = times[len(times)-1]
	for _, ts := range times {
		p.ActionsPerHour[ts.UTC().Hour()]++
	}
	p.PeakHours = peakHours(p.ActionsPerHour)
	p.BurstCount = maxInWindow(times, cfg.BurstWindow)

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}
	if len(intervals) > 0 {
		p.MeanInterval, p.IntervalStdDev = meanStd(intervals)
		if p.MeanInterval > 0 {
			p.IntervalCV = p.IntervalStdDev / p.MeanInterval
		}
		p.MedianInterval = median(intervals)
		p.ConsistentTiming = len(intervals) >= cfg.MinIntervalsForCV && p.IntervalCV < cfg.CVThreshold

		period, share := dominantPeriod(intervals, cfg.PeriodResolution)
		p.DominantPeriod = period
		p.DominantPeriodShare = share
	}

	periodic := len(intervals) >= cfg.MinIntervalsForPeriod && p.DominantPeriodShare >= cfg.PeriodShare
	p.AutomatedBehavior = p.ConsistentTiming || p.BurstCount > cfg.BurstThreshold || periodic
	return p
}

// maxInWindow is the largest number of sorted timestamps inside any window
// of length d.
func maxInWindow(times []time.Time, d time.Duration) int {
	best, lo := 0, 0
	for hi := range times {
		for times[hi].Sub(times[lo]) >= d {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

func peakHours(hist [24]int) []int {
	peak := 0
	for _, n := range hist {
		if n > peak {
			peak = n
		}
	}
	if peak == 0 {
		return nil
	}
	var hours []int
	for h, n := range hist {
		if n == peak {
			hours = append(hours, h)
		}
	}
	return hours
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// dominantPeriod buckets intervals at the given resolution and returns the
// most common bucket (in seconds) and the share of intervals it holds.
func dominantPeriod(intervals []float64, resolution time.Duration) (float64, float64) {
	res := resolution.Seconds()
	if res <= 0 || len(intervals) == 0 {
		return 0, 0
	}
	counts := make(map[int64]int)
	var bestBucket int64
	best := 0
	for _, iv := range intervals {
		b := int64(math.Round(iv / res))
		counts[b]++
		if c := counts[b]; c > best || (c == best && b < bestBucket) {
			best, bestBucket = c, b
		}
	}
	return float64(bestBucket) * res, float64(best) / float64(len(intervals))
}

// VotingHistoryFrom summarizes votes and measures how often they agree with
// the majority of other voters on the same target. Ties and targets nobody
// else voted on do not count toward alignment.
func VotingHistoryFrom(votes []domain.VoteRecord, tallies map[string]domain.VoteTally, cfg domain.SybilConfig) domain.VotingHistory {
	h := domain.VotingHistory{TotalVotes: len(votes)}
	if len(votes) == 0 {
		return h
	}

	sorted := append([]domain.VoteRecord(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	h.VotesPerTarget = make(map[string]int)
	agree := 0
	for _, v := range sorted {
		h.VotesPerTarget[v.TargetID]++
		majority := tallies[v.TargetID].Majority()
		if majority == 0 || v.Value == 0 {
			continue
		}
		h.ComparableVotes++
		if sign(v.Value) == majority {
			agree++
		}
	}
	if h.ComparableVotes > 0 {
		h.ConsensusAlignment = float64(agree) / float64(h.ComparableVotes)
	}

	h.Clusters = voteClusters(sorted, cfg.VoteClusterGap, cfg.VoteClusterMin)
	return h
}

func sign(v int) int {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}

// voteClusters splits time-sorted votes into runs whose consecutive gaps are
// at most gap and keeps runs of at least minSize votes.
func voteClusters(votes []domain.VoteRecord, gap time.Duration, minSize int) []domain.VoteCluster {
	var clusters []domain.VoteCluster
	start := 0
	flush := func(end int) {
		if end-start < minSize {
			return
		}
		run := votes[start:end]
		seen := make(map[string]bool)
		var targets []string
		for _, v := range run {
			if !seen[v.TargetID] {
				seen[v.TargetID] = true
				targets = append(targets, v.TargetID)
			}
		}
		clusters = append(clusters, domain.VoteCluster{
			Start:   run[0].Timestamp,
			End:     run[len(run)-1].Timestamp,
			Count:   len(run),
			Targets: targets,
		})
	}
	for i := 1; i < len(votes); i++ {
		if votes[i].Timestamp.Sub(votes[i-1].Timestamp) > gap {
			flush(i)
			start = i
		}
	}
	flush(len(votes))
	return clusters
}

// ReportingHistoryFrom summarizes reports and groups those close in time and space.
func ReportingHistoryFrom(reports []domain.ReportRecord, cfg domain.SybilConfig) domain.ReportingHistory {
	h := domain.ReportingHistory{TotalReports: len(reports)}
	if len(reports) == 0 {
		return h
	}

	h.ReportsPerType = make(map[string]int)
	for _, r := range reports {
		h.ReportsPerType[r.EventType]++
		switch r.Status {
		case domain.ReportVerified:
			h.VerifiedReports++
		case domain.ReportRejected:
			h.RejectedReports++
		}
	}
	if reviewed := h.VerifiedReports + h.RejectedReports; reviewed > 0 {
		h.AccuracyRate = float64(h.VerifiedReports) / float64(reviewed)
	}

	h.Clusters = ReportClusters(reports, cfg.ReportClusterWindow, cfg.ReportClusterRadiusKm, cfg.ReportClusterMin)
	return h
}

// ReportClusters greedily groups reports: each unassigned report seeds a group
// of the later unassigned reports within window and radiusKm of it. Groups
// smaller than minSize are discarded.
func ReportClusters(reports []domain.ReportRecord, window time.Duration, radiusKm float64, minSize int) []domain.ReportCluster {
	sorted := append([]domain.ReportRecord(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	assigned := make([]bool, len(sorted))
	var clusters []domain.ReportCluster
	for i, seed := range sorted {
		if assigned[i] {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Timestamp.Sub(seed.Timestamp) > window {
				break
			}
			if assigned[j] {
				continue
			}
			if DistanceKm(seed.Latitude, seed.Longitude, sorted[j].Latitude, sorted[j].Longitude) <= radiusKm {
				members = append(members, j)
			}
		}
		if len(members) < minSize {
			continue
		}

		c := domain.ReportCluster{Count: len(members)}
		for _, m := range members {
			assigned[m] = true
			r := sorted[m]
			c.Latitude += r.Latitude
			c.Longitude += r.Longitude
			c.ReportIDs = append(c.ReportIDs, r.ID)
		}
		c.Latitude /= float64(len(members))
		c.Longitude /= float64(len(members))
		c.Start = sorted[members[0]].Timestamp
		c.End = sorted[members[len(members)-1]].Timestamp
		clusters = append(clusters, c)
	}
	return clusters
}

// LocationHistoryFrom measures spread and travel speed between consecutive
// positions. Reported accuracy is subtracted from each hop before the speed
// is computed.
func LocationHistoryFrom(points []domain.LocationRecord, cfg domain.SybilConfig) domain.LocationHistory {
	h := domain.LocationHistory{Points: len(points)}
	if len(points) == 0 {
		return h
	}

	sorted := append([]domain.LocationRecord(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	cells := make(map[[2]int64]struct{})
	for i, p := range sorted {
		cells[cellKey(p.Latitude, p.Longitude)] = struct{}{}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		hours := p.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		km := DistanceKm(prev.Latitude, prev.Longitude, p.Latitude, p.Longitude)
		km = math.Max(0, km-(prev.AccuracyMeters+p.AccuracyMeters)/1000)
		if speed := km / hours; speed > h.MaxSpeedKmh {
			h.MaxSpeedKmh = speed
		}
	}
	h.DistinctCells = len(cells)
	h.ImpossibleTravel = cfg.ImpossibleSpeedKmh > 0 && h.MaxSpeedKmh > cfg.ImpossibleSpeedKmh
	return h
}

// NetworkFrom counts the distinct users a user has endorsed or been endorsed by.
func NetworkFrom(userID string, endorsements []domain.EndorsementRecord) domain.NetworkConnections {
	endorsers := make(map[string]struct{})
	endorsed := make(map[string]struct{})
	for _, e := range endorsements {
		switch {
		case e.FromUserID == e.ToUserID:
		case e.ToUserID == userID:
			endorsers[e.FromUserID] = struct{}{}
		case e.FromUserID == userID:
			endorsed[e.ToUserID] = struct{}{}
		}
	}

	n := domain.NetworkConnections{Endorsers: len(endorsers), Endorsed: len(endorsed)}
	for id := range endorsers {
		if _, ok := endorsed[id]; ok {
			n.Mutual++
		}
	}
	n.Distinct = n.Endorsers + n.Endorsed - n.Mutual
	return n
}
