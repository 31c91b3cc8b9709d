package backends

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/film69/fastmodel/util/fileutil"
)

// BundledWorkerName is the file name of the reference worker shipped with the module.
const BundledWorkerName = "fastmodel_worker.py"

//go:embed fastmodel_worker.py
var bundledWorker []byte

// BundledWorker returns the source of the reference worker.
func BundledWorker() []byte {
	return bundledWorker
}

// InstallBundledWorker writes the reference worker into dir, unless an identical copy is already
// there, and returns its path.
func InstallBundledWorker(ctx context.Context, dir string) (string, error) {
	path := filepath.Join(dir, BundledWorkerName)
	if existing, err := fileutil.ReadFileBytes(path); err == nil && bytes.Equal(existing, bundledWorker) {
		return path, nil
	}
	if err := fileutil.CreateDir(ctx, dir); err != nil {
		return "", fmt.Errorf("creating worker directory: %w", err)
	}
	if err := fileutil.WriteFile(ctx, path, bundledWorker); err != nil {
		return "", fmt.Errorf("installing bundled worker: %w", err)
	}
	return path, nil
}

// DefaultWorkerDir is where the bundled worker is installed when no directory is configured.
func DefaultWorkerDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fastmodel")
}
