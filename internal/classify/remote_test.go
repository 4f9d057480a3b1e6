package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tablescribe/tablescribe/internal/resilience"
	"github.com/tablescribe/tablescribe/pkg/provider/llm"
	"github.com/tablescribe/tablescribe/pkg/provider/llm/mock"
	"github.com/tablescribe/tablescribe/pkg/types"
)

func testLimiter(t *testing.T, sleeps *[]time.Duration) *resilience.Limiter {
	t.Helper()
	lim, err := resilience.NewLimiter(
		resilience.LimiterConfig{MaxCalls: 100, Period: 30 * time.Second},
		resilience.WithSleeper(func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return lim
}

func newTestRemote(t *testing.T, p llm.Provider, lim *resilience.Limiter, cfg RemoteConfig, opts ...RemoteOption) *Remote {
	t.Helper()
	r, err := NewRemote(p, lim, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRemoteKeepsResultsAligned(t *testing.T) {
	p := &mock.Provider{Responses: []string{
		"Classification: IC\nConfidence: 0.9\nReasoning: a",
		"Classification: OOC\nConfidence: 0.8\nReasoning: b",
		"Classification: MIXED\nConfidence: 0.7\nReasoning: c",
	}}
	r := newTestRemote(t, p, testLimiter(t, nil), RemoteConfig{Workers: 1})

	got, err := r.Classify(context.Background(), segs("one", "two", "three"), Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantLabels := []types.Label{types.LabelIC, types.LabelOOC, types.LabelMixed}
	for i, c := range got {
		if c.SegmentIndex != i {
			t.Errorf("got[%d].SegmentIndex = %d", i, c.SegmentIndex)
		}
		if c.Label != wantLabels[i] {
			t.Errorf("got[%d].Label = %s, want %s", i, c.Label, wantLabels[i])
		}
	}
}

func TestRemotePenalizesLimiterOn429(t *testing.T) {
	p := &mock.Provider{
		Errs:      []error{fmt.Errorf("api returned 429: %w", llm.ErrRateLimited), nil},
		Responses: []string{goodResponse},
	}
	var sleeps []time.Duration
	r := newTestRemote(t, p, testLimiter(t, &sleeps), RemoteConfig{Retries: 3})

	got, err := r.Classify(context.Background(), segs("a line"), Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Label != types.LabelOOC {
		t.Errorf("label = %s, want OOC after retry", got[0].Label)
	}
	if len(p.Calls) != 2 {
		t.Errorf("provider called %d times, want 2", len(p.Calls))
	}

	// Penalize(0) sleeps a full period through the limiter's sleeper.
	found := false
	for _, d := range sleeps {
		if d == 30*time.Second {
			found = true
		}
	}
	if !found {
		t.Errorf("limiter sleeps = %v, want a full-period penalty", sleeps)
	}
}

func TestRemoteDefaultsAfterExhaustedRetries(t *testing.T) {
	p := &mock.Provider{Errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	r := newTestRemote(t, p, testLimiter(t, nil), RemoteConfig{Retries: 3})

	got, err := r.Classify(context.Background(), segs("a line"), Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Label != types.LabelIC || got[0].Reasoning != FailureReasoning {
		t.Errorf("got %+v, want defaulted IC", got[0])
	}
	if len(p.Calls) != 3 {
		t.Errorf("provider called %d times, want 3", len(p.Calls))
	}
}

func TestRemoteAudit(t *testing.T) {
	p := &mock.Provider{Model: "gpt-4o-mini", Responses: []string{goodResponse}}
	var records []AuditRecord
	r := newTestRemote(t, p, testLimiter(t, nil), RemoteConfig{},
		WithRemoteAudit(func(rec AuditRecord) { records = append(records, rec) }))

	if _, err := r.Classify(context.Background(), segs("a line"), Roster{}); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].Model != "gpt-4o-mini" || records[0].Attempt != "remote" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestRemoteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &mock.Provider{Responses: []string{goodResponse}}
	r := newTestRemote(t, p, testLimiter(t, nil), RemoteConfig{})

	if _, err := r.Classify(ctx, segs("a", "b"), Roster{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewRemoteValidation(t *testing.T) {
	lim := testLimiter(t, nil)
	if _, err := NewRemote(nil, lim, RemoteConfig{}); err == nil {
		t.Error("nil provider accepted")
	}
	if _, err := NewRemote(&mock.Provider{}, nil, RemoteConfig{}); err == nil {
		t.Error("nil limiter accepted")
	}
}
