package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

type stageData struct {
	TranscriptPath string `json:"transcript_path"`
	Segments       int    `json:"segments"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), "session-1")
	if err != nil {
		t.Fatal(err)
	}

	in := stageData{TranscriptPath: "blobs/transcribed/transcript.json.gz", Segments: 42}
	if err := m.Save("transcribed", in, []string{"audio_converted", "chunked", "transcribed"}, map[string]string{"model": "whisper"}); err != nil {
		t.Fatal(err)
	}

	var out stageData
	cp, err := m.Load("transcribed", &out)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("checkpoint missing after Save")
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("data = %+v, want %+v", out, in)
	}
	if cp.SessionID != "session-1" || cp.Stage != "transcribed" {
		t.Errorf("envelope = %+v", cp)
	}
	if !reflect.DeepEqual(cp.CompletedStages, []string{"audio_converted", "chunked", "transcribed"}) {
		t.Errorf("completed = %v", cp.CompletedStages)
	}
	if cp.Metadata["model"] != "whisper" {
		t.Errorf("metadata = %v", cp.Metadata)
	}
	if _, err := time.Parse(time.RFC3339, cp.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", cp.Timestamp, err)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	m, err := NewManager(t.TempDir(), "s")
	if err != nil {
		t.Fatal(err)
	}
	cp, err := m.Load("never_saved", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Errorf("got %+v, want nil", cp)
	}
}

func TestLoadCorruptReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "s")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "checkpoint_chunked.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err := m.Load("chunked", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Errorf("corrupt checkpoint should read as missing, got %+v", cp)
	}
}

func TestLoadRejectsOtherSession(t *testing.T) {
	dir := t.TempDir()
	first, err := NewManager(dir, "session-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save("chunked", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}

	second, err := NewManager(dir, "session-b")
	if err != nil {
		t.Fatal(err)
	}
	cp, err := second.Load("chunked", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Error("checkpoint from another session should read as missing")
	}
}

func TestStagesAndLatest(t *testing.T) {
	m, err := NewManager(t.TempDir(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save("chunked", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Save("audio_converted", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}

	stages, err := m.Stages()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stages, []string{"audio_converted", "chunked"}) {
		t.Errorf("stages = %v", stages)
	}

	latest, err := m.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("no latest checkpoint")
	}
}

func TestClear(t *testing.T) {
	m, err := NewManager(t.TempDir(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save("chunked", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveBlob("chunked", "chunks.json", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}

	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	stages, err := m.Stages()
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 0 {
		t.Errorf("stages after Clear = %v", stages)
	}
	if m.HasBlob(filepath.Join("blobs", "chunked", "chunks.json.gz")) {
		t.Error("blob survived Clear")
	}
}

func TestClearStage(t *testing.T) {
	m, err := NewManager(t.TempDir(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save("chunked", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Save("transcribed", stageData{}, nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.ClearStage("chunked"); err != nil {
		t.Fatal(err)
	}
	stages, _ := m.Stages()
	if !reflect.DeepEqual(stages, []string{"transcribed"}) {
		t.Errorf("stages = %v", stages)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), "s")
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("segment data "), 1000)

	rel, err := m.SaveBlob("transcribed", "transcript.json", payload)
	if err != nil {
		t.Fatal(err)
	}
	if rel != filepath.Join("blobs", "transcribed", "transcript.json.gz") {
		t.Errorf("rel = %q", rel)
	}
	if !m.HasBlob(rel) {
		t.Error("HasBlob = false after SaveBlob")
	}

	got, err := m.LoadBlob(rel)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("blob round trip mismatch")
	}

	if _, err := m.LoadBlob("blobs/transcribed/missing.gz"); err == nil {
		t.Error("missing blob should error")
	}
}
