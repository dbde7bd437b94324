package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"actionrunner/internal/core"
)

var _ core.ArtifactStore = (*Artifacts)(nil)

// Artifacts keeps run screenshots on disk, one directory per run.
type Artifacts struct {
	dir       string
	publicURL string
}

// NewArtifacts stores files under dir. publicURL is the externally reachable
// base the screenshots are served from; it may be empty.
func NewArtifacts(dir, publicURL string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure artifact dir: %w", err)
	}
	return &Artifacts{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Dir returns the root directory served as /screenshots.
func (a *Artifacts) Dir() string {
	return a.dir
}

// Path returns the on-disk location of a run's artifact.
func (a *Artifacts) Path(runID int64, name string) string {
	return filepath.Join(a.runDir(runID), filepath.Base(name))
}

func (a *Artifacts) Save(runID int64, data []byte) (string, error) {
	if err := os.MkdirAll(a.runDir(runID), 0o755); err != nil {
		return "", fmt.Errorf("ensure run artifact dir: %w", err)
	}
	name := core.NewArtifactName(".jpeg")
	if err := os.WriteFile(a.Path(runID, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return name, nil
}

// Remove deletes a single artifact. A missing file is not an error.
func (a *Artifacts) Remove(runID int64, name string) error {
	err := os.Remove(a.Path(runID, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// RemoveRun deletes the run's artifact directory. A missing directory is not an error.
func (a *Artifacts) RemoveRun(runID int64) error {
	err := os.RemoveAll(a.runDir(runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run artifacts: %w", err)
	}
	return nil
}

func (a *Artifacts) URL(runID int64, name string) string {
	return a.publicURL + "/screenshots/" + strconv.FormatInt(runID, 10) + "/" + url.PathEscape(name)
}

func (a *Artifacts) runDir(runID int64) string {
	return filepath.Join(a.dir, strconv.FormatInt(runID, 10))
}
