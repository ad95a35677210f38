package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fsutil"
)

// ArtifactStore persists artifacts as <dir>/<escaped id>.json.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore returns a store rooted at dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir}
}

// Path returns the file location for id.
func (s *ArtifactStore) Path(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+".json")
}

// Save writes a atomically, replacing any previous artifact for the same id.
func (s *ArtifactStore) Save(a *Artifact) error {
	if a.ItemID == "" {
		return insighterrors.NewMalformed("artifact has no item id", nil)
	}
	if err := fsutil.WriteJSONAtomic(s.Path(a.ItemID), a, 0600); err != nil {
		return fmt.Errorf("persist artifact %s: %w", a.ItemID, err)
	}
	return nil
}

// Load reads the artifact for id. A missing artifact is a NOT_FOUND error.
func (s *ArtifactStore) Load(id string) (*Artifact, error) {
	data, err := fsutil.ReadFile(s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, insighterrors.NewNotFound("artifact " + id)
		}
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	a := &Artifact{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, insighterrors.NewMalformed("artifact "+id, err)
	}
	return a, nil
}

// Exists reports whether an artifact is stored for id.
func (s *ArtifactStore) Exists(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}
