package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeScorer struct {
	mu      sync.Mutex
	actions []domain.ActionKind
	checked []domain.ActionKind
	err     error
	deny    string
	permErr error
}

func (s *fakeScorer) CanPerformAction(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.PermissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = append(s.checked, action)
	if s.permErr != nil {
		return nil, s.permErr
	}
	if s.deny != "" {
		return &domain.PermissionResult{Allowed: false, Reason: s.deny}, nil
	}
	return &domain.PermissionResult{Allowed: true}, nil
}

func (s *fakeScorer) CalculateTrustScore(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.ScoreUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScoreUpdate{UserID: userID, PreviousScore: 0.5, NewScore: 0.52, Change: 0.02}, nil
}

type fakeAnalyzer struct {
	risk float64
	err  error
}

func (a *fakeAnalyzer) AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &domain.UserBehaviorProfile{UserID: userID, RiskScore: a.risk}, nil
}

type fakeResistor struct {
	blocked bool
}

func (r *fakeResistor) ApplyAttackResistance(ctx context.Context, userID string, action domain.ActionKind, data map[string]any) (*domain.Verdict, error) {
	v := &domain.Verdict{UserID: userID, Action: action, Allowed: !r.blocked, Resistance: domain.ResistanceAllowed, TrustWeight: 1}
	if r.blocked {
		v.Resistance = domain.ResistanceBlocked
	}
	return v, nil
}

type fakeIngest struct {
	mu           sync.Mutex
	activity     []domain.ActivityRecord
	votes        []domain.VoteRecord
	reports      []domain.ReportRecord
	locations    []domain.LocationRecord
	endorsements []domain.EndorsementRecord
}

func (f *fakeIngest) SaveUser(ctx context.Context, user *domain.UserRecord) error { return nil }
func (f *fakeIngest) RecordActivity(ctx context.Context, rec *domain.ActivityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, *rec)
	return nil
}
func (f *fakeIngest) SaveVote(ctx context.Context, v *domain.VoteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, *v)
	return nil
}
func (f *fakeIngest) SaveReport(ctx context.Context, r *domain.ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, *r)
	return nil
}
func (f *fakeIngest) SaveLocation(ctx context.Context, l *domain.LocationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, *l)
	return nil
}
func (f *fakeIngest) SaveEndorsement(ctx context.Context, e *domain.EndorsementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endorsements = append(f.endorsements, *e)
	return nil
}

type fakeGraph struct {
	edges atomic.Int32
}

func (g *fakeGraph) RecordEndorsement(ctx context.Context, e domain.EndorsementRecord) error {
	g.edges.Add(1)
	return nil
}
func (g *fakeGraph) Rings(ctx context.Context, window time.Duration, minSize int) ([][]string, error) {
	return nil, nil
}
func (g *fakeGraph) Close(ctx context.Context) error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewWorkerValidation(t *testing.T) {
	if _, err := NewWorker(bus.NewChannelBus(1), Deps{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	scorer := &fakeScorer{}
	w, err := NewWorker(eventBus, Deps{Scorer: scorer, Analyzer: &fakeAnalyzer{risk: 0.42}, Resistor: &fakeResistor{}})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("StartAndStop", func(t *testing.T) {
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicActionSubmitted {
			t.Errorf("unexpected stats %+v", stats)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected no subscriptions after stop")
		}
	})

	t.Run("VerdictPublished", func(t *testing.T) {
		w, _ := NewWorker(eventBus, Deps{Scorer: scorer, Analyzer: &fakeAnalyzer{risk: 0.42}, Resistor: &fakeResistor{}})
		if err := w.Start(Config{Topic: "test.actions"}); err != nil {
			t.Fatal(err)
		}
		defer w.Stop()

		var received atomic.Pointer[domain.VerdictMessage]
		eventBus.Subscribe(ctx, domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
			var vm domain.VerdictMessage
			if err := json.Unmarshal(msg.Payload, &vm); err != nil {
				return err
			}
			received.Store(&vm)
			return nil
		})

		if err := bus.PublishJSON(ctx, eventBus, "test.actions", domain.ActionMessage{UserID: "u-1", Action: domain.ActionReport}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return received.Load() != nil })

		vm := received.Load()
		if vm.Verdict == nil || vm.Verdict.UserID != "u-1" || !vm.Verdict.Allowed {
			t.Errorf("unexpected verdict %+v", vm.Verdict)
		}
		if vm.Update == nil || vm.Update.NewScore != 0.52 {
			t.Errorf("expected score update, got %+v", vm.Update)
		}
		if vm.Risk != 0.42 {
			t.Errorf("expected risk 0.42, got %v", vm.Risk)
		}
		if w.GetStats().Processed != 1 {
			t.Errorf("expected 1 processed, got %+v", w.GetStats())
		}
	})

	t.Run("MalformedMessage", func(t *testing.T) {
		w, _ := NewWorker(eventBus, Deps{Scorer: scorer, Analyzer: &fakeAnalyzer{}, Resistor: &fakeResistor{}})
		w.Start(Config{Topic: "test.malformed"})
		defer w.Stop()

		eventBus.Publish(ctx, "test.malformed", []byte("{not json"))
		waitFor(t, func() bool { return w.GetStats().Failed == 1 })
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	newWorker := func(t *testing.T, deps Deps) *Worker {
		t.Helper()
		if deps.Scorer == nil {
			deps.Scorer = &fakeScorer{}
		}
		if deps.Analyzer == nil {
			deps.Analyzer = &fakeAnalyzer{}
		}
		if deps.Resistor == nil {
			deps.Resistor = &fakeResistor{}
		}
		deps.Now = func() time.Time { return now }
		b := bus.NewChannelBus(10)
		t.Cleanup(func() { b.Close() })
		w, err := NewWorker(b, deps)
		if err != nil {
			t.Fatal(err)
		}
		return w
	}

	t.Run("VoteNotScored", func(t *testing.T) {
		scorer := &fakeScorer{}
		ingest := &fakeIngest{}
		w := newWorker(t, Deps{Scorer: scorer, Ingest: ingest})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionVote, TargetID: "incident-9", Value: -1})
		if err != nil {
			t.Fatal(err)
		}
		if out.Update != nil || len(scorer.actions) != 0 {
			t.Errorf("votes must not be scored, got %+v", out.Update)
		}
		if len(ingest.votes) != 1 || ingest.votes[0].Value != -1 || !ingest.votes[0].Timestamp.Equal(now) {
			t.Errorf("expected vote recorded, got %+v", ingest.votes)
		}
		if len(ingest.activity) != 1 || ingest.activity[0].ID == "" {
			t.Errorf("expected activity with generated id, got %+v", ingest.activity)
		}
	})

	t.Run("EndorseRecordsEdge", func(t *testing.T) {
		ingest := &fakeIngest{}
		graph := &fakeGraph{}
		w := newWorker(t, Deps{Ingest: ingest, Graph: graph})

		if _, err := w.Process(ctx, &domain.ActionMessage{UserID: "a", Action: domain.ActionEndorse, TargetID: "b"}); err != nil {
			t.Fatal(err)
		}
		if graph.edges.Load() != 1 {
			t.Errorf("expected graph edge, got %d", graph.edges.Load())
		}
		if len(ingest.endorsements) != 1 || ingest.endorsements[0].ToUserID != "b" {
			t.Errorf("expected endorsement saved, got %+v", ingest.endorsements)
		}
	})

	t.Run("ReportWithLocation", func(t *testing.T) {
		ingest := &fakeIngest{}
		w := newWorker(t, Deps{Ingest: ingest})

		loc := &domain.Coordinates{Latitude: 52.52, Longitude: 13.40}
		if _, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionReport, EventType: "flood", Location: loc}); err != nil {
			t.Fatal(err)
		}
		if len(ingest.reports) != 1 || ingest.reports[0].Status != domain.ReportPending || ingest.reports[0].EventType != "flood" {
			t.Errorf("expected pending report, got %+v", ingest.reports)
		}
		if len(ingest.locations) != 1 {
			t.Errorf("expected location saved, got %d", len(ingest.locations))
		}
	})

	t.Run("BlockedCounted", func(t *testing.T) {
		w := newWorker(t, Deps{Resistor: &fakeResistor{blocked: true}})
		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionDispute})
		if err != nil {
			t.Fatal(err)
		}
		if out.Verdict.Allowed || w.GetStats().Blocked != 1 {
			t.Errorf("expected blocked verdict counted, got %+v", w.GetStats())
		}
	})

	t.Run("BlockedActionNotScored", func(t *testing.T) {
		scorer := &fakeScorer{}
		ingest := &fakeIngest{}
		w := newWorker(t, Deps{Scorer: scorer, Resistor: &fakeResistor{blocked: true}, Ingest: ingest})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionReport})
		if err != nil {
			t.Fatal(err)
		}
		if out.Update != nil || len(scorer.actions) != 0 {
			t.Errorf("blocked action must not be scored, got %+v", out.Update)
		}
		if len(ingest.activity) != 1 {
			t.Errorf("blocked action must still be recorded, got %d", len(ingest.activity))
		}
	})

	t.Run("ForbiddenActionDenied", func(t *testing.T) {
		scorer := &fakeScorer{deny: "insufficient trust level: very_low does not permit report"}
		ingest := &fakeIngest{}
		w := newWorker(t, Deps{Scorer: scorer, Ingest: ingest})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionReport})
		if err != nil {
			t.Fatal(err)
		}
		if out.Update != nil || len(scorer.actions) != 0 {
			t.Errorf("forbidden action must not be scored, got %+v", out.Update)
		}
		if out.Permission == nil || out.Permission.Allowed {
			t.Errorf("expected the denial in the result, got %+v", out.Permission)
		}
		if out.Verdict.Allowed || out.Verdict.Resistance != domain.ResistanceBlocked {
			t.Errorf("expected blocked verdict, got %+v", out.Verdict)
		}
		if n := len(out.Verdict.Reasons); n == 0 || out.Verdict.Reasons[n-1] != scorer.deny {
			t.Errorf("expected denial reason, got %v", out.Verdict.Reasons)
		}
		if len(ingest.activity) != 1 {
			t.Errorf("forbidden action must still be recorded, got %d", len(ingest.activity))
		}
		if w.GetStats().Blocked != 1 {
			t.Errorf("expected denial counted, got %+v", w.GetStats())
		}
	})

	t.Run("VoteStillChecked", func(t *testing.T) {
		scorer := &fakeScorer{deny: "no"}
		w := newWorker(t, Deps{Scorer: scorer})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionVote, TargetID: "i", Value: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(scorer.checked) != 1 || out.Verdict.Allowed {
			t.Errorf("expected vote checked and denied, got %v %+v", scorer.checked, out.Verdict)
		}
	})

	t.Run("PermissionLookupFailureDenies", func(t *testing.T) {
		scorer := &fakeScorer{permErr: errors.New("db down")}
		w := newWorker(t, Deps{Scorer: scorer})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionConfirm})
		if err != nil {
			t.Fatal(err)
		}
		if out.Verdict.Allowed || out.Update != nil || len(scorer.actions) != 0 {
			t.Errorf("expected fail-closed denial, got %+v", out)
		}
	})

	t.Run("SystemActionsSkipGates", func(t *testing.T) {
		scorer := &fakeScorer{deny: "no"}
		w := newWorker(t, Deps{Scorer: scorer, Resistor: &fakeResistor{blocked: true}})

		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionPenalty})
		if err != nil {
			t.Fatal(err)
		}
		if len(scorer.checked) != 0 {
			t.Errorf("penalty must not be permission checked, got %v", scorer.checked)
		}
		if out.Update == nil || len(scorer.actions) != 1 || scorer.actions[0] != domain.ActionPenalty {
			t.Errorf("penalty must be scored, got %+v", out.Update)
		}
	})

	t.Run("StoreErrorsDoNotStopVerdict", func(t *testing.T) {
		w := newWorker(t, Deps{
			Scorer:   &fakeScorer{err: errors.New("db down")},
			Analyzer: &fakeAnalyzer{err: errors.New("db down")},
		})
		out, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: domain.ActionConfirm})
		if err != nil {
			t.Fatalf("expected verdict despite store errors, got %v", err)
		}
		if out.Verdict == nil || out.Update != nil {
			t.Errorf("unexpected output %+v", out)
		}
	})

	t.Run("InvalidMessages", func(t *testing.T) {
		w := newWorker(t, Deps{})
		if _, err := w.Process(ctx, &domain.ActionMessage{Action: domain.ActionReport}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := w.Process(ctx, &domain.ActionMessage{UserID: "u", Action: "teleport"}); !errors.Is(err, domain.ErrUnknownAction) {
			t.Errorf("expected ErrUnknownAction, got %v", err)
		}
	})
}
