package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/retry"
)

// manifestFile is the shared configuration artifact every worker depends
// on; the supervisor ensures it is present before any worker starts.
const manifestFile = "models.yaml"

// ModelEntry describes one model artifact in the manifest.
type ModelEntry struct {
	ID       string `yaml:"id"`
	File     string `yaml:"file"`
	Checksum string `yaml:"checksum,omitempty"`
	Type     string `yaml:"type,omitempty"` // "base" or "lora"
	Default  bool   `yaml:"default,omitempty"`
}

// Manifest lists the model artifacts the scheduler may assign.
type Manifest struct {
	Models []ModelEntry `yaml:"models"`
}

// Updater keeps the local model manifest in sync with the distribution
// endpoint and answers what exists locally.
type Updater struct {
	manifestURL string
	modelDir    string
	interval    time.Duration
	log         *logging.Logger
	httpClient  *http.Client

	mu       sync.RWMutex
	manifest Manifest
}

// New creates an updater. interval is the cadence of the scheduled refresh
// task; EnsureManifest must be called before workers start.
func New(manifestURL, modelDir string, interval time.Duration, log *logging.Logger) *Updater {
	return &Updater{
		manifestURL: manifestURL,
		modelDir:    modelDir,
		interval:    interval,
		log:         log,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EnsureManifest makes the manifest available locally, downloading it with
// backoff when a URL is configured. Blocking and one-time; workers must not
// start before it returns.
func (u *Updater) EnsureManifest(ctx context.Context) error {
	if err := os.MkdirAll(u.modelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model dir %s: %w", u.modelDir, err)
	}

	if u.manifestURL != "" {
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			return u.fetchManifest(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch model manifest: %w", err)
		}
	}

	return u.loadLocal()
}

// fetchManifest downloads the manifest to the model directory.
func (u *Updater) fetchManifest(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.manifestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create manifest request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("manifest download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read manifest body: %w", err)
	}

	// Validate before replacing the local copy.
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	path := filepath.Join(u.modelDir, manifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

// loadLocal parses the manifest from the model directory.
func (u *Updater) loadLocal() error {
	path := filepath.Join(u.modelDir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("model manifest not available at %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	u.mu.Lock()
	u.manifest = manifest
	u.mu.Unlock()
	return nil
}

// Manifest returns the current manifest snapshot.
func (u *Updater) Manifest() Manifest {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.manifest
}

// LocalModelIDs returns ids whose model file is present in the model
// directory.
func (u *Updater) LocalModelIDs() []string {
	manifest := u.Manifest()

	var ids []string
	for _, entry := range manifest.Models {
		if entry.File == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(u.modelDir, entry.File)); err == nil {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}

// DefaultModelID picks the entry flagged default, falling back to the first
// locally available model.
func (u *Updater) DefaultModelID() string {
	manifest := u.Manifest()
	local := u.LocalModelIDs()

	for _, entry := range manifest.Models {
		if entry.Default && contains(local, entry.ID) {
			return entry.ID
		}
	}
	if len(local) > 0 {
		return local[0]
	}
	return ""
}

// ModelType returns the manifest type for a model id, defaulting to base.
func (u *Updater) ModelType(id string) string {
	for _, entry := range u.Manifest().Models {
		if entry.ID == id && entry.Type != "" {
			return entry.Type
		}
	}
	return "base"
}

// VerifyChecksums compares sha256 digests of local model files against the
// manifest. Files not present locally are skipped; a digest mismatch is an
// error.
func (u *Updater) VerifyChecksums() error {
	manifest := u.Manifest()

	for _, entry := range manifest.Models {
		if entry.File == "" || entry.Checksum == "" {
			continue
		}

		path := filepath.Join(u.modelDir, entry.File)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		digest, err := fileSHA256(path)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", path, err)
		}
		if digest != entry.Checksum {
			return fmt.Errorf("checksum mismatch for model %s: have %s, manifest says %s",
				entry.ID, digest, entry.Checksum)
		}
	}
	return nil
}

// RunScheduledUpdates refreshes the manifest periodically until ctx is
// cancelled. Failures are logged and retried next interval; this task is
// independent of worker lifecycles.
func (u *Updater) RunScheduledUpdates(ctx context.Context) {
	if u.manifestURL == "" {
		u.log.Debugf("No manifest URL configured, scheduled updates disabled.")
		return
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := len(u.Manifest().Models)
			if err := u.fetchManifest(ctx); err != nil {
				u.log.Warningf("Scheduled manifest update failed: %v", err)
				continue
			}
			if err := u.loadLocal(); err != nil {
				u.log.Warningf("Failed to reload manifest: %v", err)
				continue
			}
			if after := len(u.Manifest().Models); after != before {
				u.log.Infof("Model manifest updated: %d models listed.", after)
			}
		}
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
