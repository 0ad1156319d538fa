package upgrader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/mitchellh/go-ps"

	"github.com/oshokin/ts3-updater/internal/logger"
)

const (
	// temporaryDirectoryPattern names the per-run work directory.
	temporaryDirectoryPattern = "ts3-updater-"
	// extractDirectoryName is the extraction root inside the work directory.
	extractDirectoryName = "extract"
	// archiveFilePattern is the downloaded archive name, %s being the version.
	archiveFilePattern = "ts3-%s.tar.bz2"
)

// ErrReleaseDirMissing means the archive did not unpack to the expected top-level directory.
var ErrReleaseDirMissing = errors.New("release directory not found in archive")

// ProcessLister returns the running processes; ps.Processes satisfies it.
type ProcessLister func() ([]ps.Process, error)

// NeedsUpgrade reports whether the installed version differs from the latest one.
// Only equality matters: a different latest version is installed even if it is older.
func NeedsUpgrade(current, latest string) bool {
	return current != latest
}

// BackupPath returns the sibling directory the installation is copied to before an upgrade.
func BackupPath(installPath string, now time.Time) string {
	seconds := float64(now.UnixMicro()) / float64(time.Second/time.Microsecond)

	return filepath.Clean(installPath) + "." + strconv.FormatFloat(seconds, 'f', -1, 64)
}

// ArchiveFileName returns the local file name for the archive of version.
func ArchiveFileName(version string) string {
	return fmt.Sprintf(archiveFilePattern, version)
}

// logVersionDirection records whether the latest release is newer or older.
// Versions that do not parse are left alone.
func logVersionDirection(ctx context.Context, current, latest string) {
	currentVersion, err := goversion.NewVersion(current)
	if err != nil {
		logger.DebugKV(ctx, "Installed version is not comparable", "version", current, "error", err)
		return
	}

	latestVersion, err := goversion.NewVersion(latest)
	if err != nil {
		logger.DebugKV(ctx, "Latest version is not comparable", "version", latest, "error", err)
		return
	}

	switch {
	case latestVersion.GreaterThan(currentVersion):
		logger.InfoKV(ctx, "Newer release available", "current", current, "latest", latest)
	case latestVersion.LessThan(currentVersion):
		logger.WarnKV(ctx, "Published release is older than the installed one, installing it anyway",
			"current", current, "latest", latest)
	default:
		logger.InfoKV(ctx, "Release differs only in version notation", "current", current, "latest", latest)
	}
}

// warnIfServerRunning reports running server processes; files in use may fail to copy.
func warnIfServerRunning(ctx context.Context, list ProcessLister, executable string) {
	if list == nil || executable == "" {
		return
	}

	processes, err := list()
	if err != nil {
		logger.WarnKV(ctx, "Unable to list processes", "error", err)
		return
	}

	for _, process := range processes {
		if process.Executable() != executable {
			continue
		}

		logger.WarnKV(ctx, "TeamSpeak server is running, stop it before upgrading to avoid a mixed installation",
			"executable", executable, "pid", process.Pid())
	}
}

// releaseDirectory returns the expected top-level directory of the unpacked archive.
func releaseDirectory(extractRoot, name string) (string, error) {
	dir := filepath.Join(extractRoot, name)

	info, err := os.Stat(dir)
	if err == nil && info.IsDir() {
		return dir, nil
	}

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat release directory: %w", err)
	}

	found, listErr := topLevelEntries(extractRoot)
	if listErr != nil {
		return "", fmt.Errorf("list %s: %w", extractRoot, listErr)
	}

	return "", fmt.Errorf("expected %q, archive contains [%s]: %w",
		name, strings.Join(found, ", "), ErrReleaseDirMissing)
}

func topLevelEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	sort.Strings(names)

	return names, nil
}
