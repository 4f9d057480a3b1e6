package classify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tablescribe/tablescribe/pkg/types"
)

func offloadRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, sub := range []string{pendingDir, completeDir} {
		if err := os.Mkdir(filepath.Join(root, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// fakeWorker polls pending/ for the job file and writes the scripted result.
func fakeWorker(t *testing.T, root string, respond func(job OffloadJob) OffloadResult) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			entries, err := os.ReadDir(filepath.Join(root, pendingDir))
			if err != nil || len(entries) == 0 {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, pendingDir, entries[0].Name()))
			if err != nil {
				continue
			}
			var job OffloadJob
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			result := respond(job)
			out, _ := json.Marshal(result)
			os.WriteFile(filepath.Join(root, completeDir, job.JobID+"_result.json"), out, 0o644)
			return
		}
	}()
}

func TestOffloadedRoundTrip(t *testing.T) {
	root := offloadRoot(t)
	fakeWorker(t, root, func(job OffloadJob) OffloadResult {
		responses := make([]string, len(job.Segments))
		for i := range responses {
			responses[i] = "Classification: OOC\nConfidence: 0.8\nReasoning: table talk"
		}
		return OffloadResult{JobID: job.JobID, Responses: responses, Model: "worker-model"}
	})

	o, err := NewOffloaded(OffloadedConfig{Root: root, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	o.newJobID = func() string { return "job-under-test" }

	got, err := o.Classify(context.Background(), segs("one", "two"), Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, c := range got {
		if c.SegmentIndex != i || c.Label != types.LabelOOC {
			t.Errorf("got[%d] = %+v, want OOC", i, c)
		}
	}

	// Both exchange files are cleaned up on success.
	for _, p := range []string{
		filepath.Join(root, pendingDir, "job-under-test.json"),
		filepath.Join(root, completeDir, "job-under-test_result.json"),
	} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still present after success", p)
		}
	}
}

func TestOffloadedShortResultDefaultsRemainder(t *testing.T) {
	root := offloadRoot(t)
	fakeWorker(t, root, func(job OffloadJob) OffloadResult {
		return OffloadResult{
			JobID:     job.JobID,
			Responses: []string{"Classification: IC\nConfidence: 0.9\nReasoning: in character"},
		}
	})

	o, err := NewOffloaded(OffloadedConfig{Root: root, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	got, err := o.Classify(context.Background(), segs("one", "two", "three"), Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Label != types.LabelIC || got[0].Confidence != 0.9 {
		t.Errorf("got[0] = %+v", got[0])
	}
	for i := 1; i < 3; i++ {
		if got[i].Reasoning != FailureReasoning {
			t.Errorf("got[%d] = %+v, want defaulted IC", i, got[i])
		}
	}
}

func TestOffloadedWorkerError(t *testing.T) {
	root := offloadRoot(t)
	fakeWorker(t, root, func(job OffloadJob) OffloadResult {
		return OffloadResult{JobID: job.JobID, Error: "model crashed"}
	})

	o, err := NewOffloaded(OffloadedConfig{Root: root, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Classify(context.Background(), segs("one"), Roster{}); err == nil {
		t.Error("worker error should propagate")
	}
}

func TestOffloadedTimeout(t *testing.T) {
	root := offloadRoot(t)
	o, err := NewOffloaded(OffloadedConfig{Root: root, PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Classify(context.Background(), segs("one"), Roster{})
	if !errors.Is(err, ErrJobTimeout) {
		t.Errorf("err = %v, want ErrJobTimeout", err)
	}
}

func TestOffloadedCancellation(t *testing.T) {
	root := offloadRoot(t)
	o, err := NewOffloaded(OffloadedConfig{Root: root, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := o.Classify(ctx, segs("one"), Roster{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestOffloadedEmptyInput(t *testing.T) {
	o, err := NewOffloaded(OffloadedConfig{Root: offloadRoot(t)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.Classify(context.Background(), nil, Roster{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestOffloadedPreflight(t *testing.T) {
	o, err := NewOffloaded(OffloadedConfig{Root: offloadRoot(t)})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Preflight(context.Background()); err != nil {
		t.Errorf("Preflight with dirs present = %v", err)
	}

	bare, err := NewOffloaded(OffloadedConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := bare.Preflight(context.Background()); err == nil {
		t.Error("Preflight without exchange dirs should fail")
	}
}

func TestNewOffloadedRequiresRoot(t *testing.T) {
	if _, err := NewOffloaded(OffloadedConfig{}); err == nil {
		t.Error("empty root accepted")
	}
}
