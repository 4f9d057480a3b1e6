package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists per-campaign knowledge bases.
type Store interface {
	// Load returns the campaign's knowledge base, empty when the campaign is
	// unknown.
	Load(ctx context.Context, campaignID string) (Knowledge, error)

	// Save replaces the campaign's knowledge base.
	Save(ctx context.Context, campaignID string, k Knowledge) error
}

// MergeInto loads the campaign base, merges the session's extraction in and
// saves the result. Returns the merged knowledge.
func MergeInto(ctx context.Context, store Store, campaignID string, session Knowledge) (Knowledge, error) {
	base, err := store.Load(ctx, campaignID)
	if err != nil {
		return Knowledge{}, err
	}
	merged := Merge(base, session)
	if err := store.Save(ctx, campaignID, merged); err != nil {
		return Knowledge{}, err
	}
	return merged, nil
}

// FileStore keeps one JSON file per campaign under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(campaignID string) string {
	return filepath.Join(s.dir, safeCampaignID(campaignID)+".json")
}

// Load implements [Store].
func (s *FileStore) Load(_ context.Context, campaignID string) (Knowledge, error) {
	data, err := os.ReadFile(s.path(campaignID))
	if errors.Is(err, os.ErrNotExist) {
		return Knowledge{}, nil
	}
	if err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: read campaign %q: %w", campaignID, err)
	}
	var k Knowledge
	if err := json.Unmarshal(data, &k); err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: parse campaign %q: %w", campaignID, err)
	}
	return k, nil
}

// Save implements [Store]. Writes are atomic via rename.
func (s *FileStore) Save(_ context.Context, campaignID string, k Knowledge) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("knowledge: marshal campaign %q: %w", campaignID, err)
	}
	p := s.path(campaignID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("knowledge: write campaign %q: %w", campaignID, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("knowledge: replace campaign %q: %w", campaignID, err)
	}
	return nil
}

// safeCampaignID reduces a campaign ID to filename-safe characters.
func safeCampaignID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

var _ Store = (*FileStore)(nil)
