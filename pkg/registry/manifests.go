package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/domaindetermine/governance/pkg/errs"
)

// ManifestStore persists manifests and the unique coordinate index.
//
// Layout under the base directory:
//
//	manifests/<artifact_id>.json
//	index/<class>/<tenant>/<slug>/<version>   (contains the artifact_id)
type ManifestStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewManifestStore creates a manifest store rooted at baseDir.
func NewManifestStore(baseDir string) (*ManifestStore, error) {
	for _, sub := range []string{"manifests", "index"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure %s dir: %w", sub, err)
		}
	}
	return &ManifestStore{baseDir: baseDir}, nil
}

func (s *ManifestStore) manifestPath(id string) string {
	return filepath.Join(s.baseDir, "manifests", id+".json")
}

func (s *ManifestStore) indexPath(k Key) string {
	return filepath.Join(s.baseDir, "index", string(k.Class), k.Tenant, k.Slug, k.Version)
}

// Put writes the manifest and claims its coordinate in the index.
// A coordinate that is already claimed fails with STALE_SNAPSHOT and
// leaves the store untouched.
func (s *ManifestStore) Put(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Key()
	indexPath := s.indexPath(key)
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("failed to ensure index dir: %w", err)
	}

	// O_EXCL claims the coordinate; losing the race means someone else
	// already published this version.
	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errs.Newf(errs.StaleSnapshot,
				"artifact version already exists: %s", key).
				WithRemediation("bump the version and republish")
		}
		return fmt.Errorf("failed to claim index entry: %w", err)
	}

	commit := false
	defer func() {
		_ = f.Close()
		if !commit {
			_ = os.Remove(indexPath)
		}
	}()

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	manifestPath := s.manifestPath(m.ArtifactID)
	tmpPath := manifestPath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}

	if _, err := f.WriteString(m.ArtifactID); err != nil {
		_ = os.Remove(manifestPath)
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	commit = true
	return nil
}

// Get loads a manifest by artifact id.
func (s *ManifestStore) Get(ctx context.Context, id string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", id, err)
	}
	return &m, nil
}

// Lookup resolves a coordinate to its artifact id.
func (s *ManifestStore) Lookup(ctx context.Context, k Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.indexPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// ListVersions returns all published versions of (class, tenant, slug)
// in ascending semver order.
func (s *ManifestStore) ListVersions(ctx context.Context, class Class, tenant, slug string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, "index", string(class), tenant, slug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	versions := make([]*semver.Version, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, err := semver.StrictNewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(semver.Collection(versions))

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out, nil
}

// LatestVersion returns the highest published version, or "" when the
// coordinate has no versions yet.
func (s *ManifestStore) LatestVersion(ctx context.Context, class Class, tenant, slug string) (string, error) {
	versions, err := s.ListVersions(ctx, class, tenant, slug)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", nil
	}
	return versions[len(versions)-1], nil
}

// All streams every stored manifest. Used to rebuild derived state
// (lineage graph, quota usage) on startup.
func (s *ManifestStore) All(ctx context.Context) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, "manifests")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make([]*Manifest, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("corrupt manifest %s: %w", e.Name(), err)
		}
		out = append(out, &m)
	}
	return out, nil
}
