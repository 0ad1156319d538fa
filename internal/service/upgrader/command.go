package upgrader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/ts3-updater/internal/archive"
	"github.com/oshokin/ts3-updater/internal/config"
	"github.com/oshokin/ts3-updater/internal/logger"
	"github.com/oshokin/ts3-updater/internal/release"
	"github.com/oshokin/ts3-updater/internal/repository/marker"
	"github.com/oshokin/ts3-updater/internal/tree"
)

var errSettingsNotInitialised = errors.New("settings are not initialized")

// HTTPClient performs the page and archive requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options are inputs accepted by the upgrader entry point.
type Options struct {
	// Config holds the validated settings.
	Config *config.Config
	// Client is used for both downloads; built from Config.Timeout when nil.
	Client HTTPClient
	// Out receives the console report; os.Stdout when nil.
	Out io.Writer
	// Now is the clock used for the backup timestamp; time.Now when nil.
	Now func() time.Time
	// Processes lists running processes; ps.Processes when nil.
	Processes ProcessLister
	// Markers overrides the version marker repository.
	Markers marker.Repository
}

// Outcome describes the result of one run.
type Outcome struct {
	// CurrentVersion is the version read from the marker.
	CurrentVersion string
	// Latest is the release found on the vendor page.
	Latest *release.Release
	// Upgraded is set when the upgrade steps ran, rehearsed or not.
	Upgraded bool
	// Rehearsal is set when copies were only reported.
	Rehearsal bool
	// BackupPath is where the installation was (or would be) copied.
	BackupPath string
	// BackedUp lists the files copied into BackupPath.
	BackedUp []string
	// Installed lists the files copied into the installation directory.
	Installed []string
}

// runner holds the state of a single run. Call Run rather than using it directly.
type runner struct {
	cfg                *config.Config
	client             HTTPClient
	out                io.Writer
	startedAt          time.Time
	processes          ProcessLister
	markers            marker.Repository
	temporaryDirectory string
}

// Run executes discovery, comparison and, when needed, the upgrade.
func Run(ctx context.Context, opts *Options) (*Outcome, error) {
	ctx = logger.WithName(ctx, "ts3-updater")

	up, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	defer up.cleanup(ctx)

	outcome, err := up.Run(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Updater run failed", "error", err)
		return outcome, err
	}

	logger.Info(ctx, "Updater completed")

	return outcome, nil
}

func newRunner(opts *Options) (*runner, error) {
	if opts == nil || opts.Config == nil {
		return nil, errSettingsNotInitialised
	}

	if err := config.Validate(opts.Config); err != nil {
		return nil, err
	}

	u := &runner{
		cfg:       opts.Config,
		client:    opts.Client,
		out:       opts.Out,
		processes: opts.Processes,
		markers:   opts.Markers,
	}

	if u.client == nil {
		u.client = &http.Client{Timeout: opts.Config.Timeout}
	}

	if u.out == nil {
		u.out = os.Stdout
	}

	if u.processes == nil {
		u.processes = ps.Processes
	}

	if u.markers == nil {
		u.markers = marker.NewFileRepository(opts.Config.MarkerPath())
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	u.startedAt = now()

	return u, nil
}

// Run performs the workflow for this runner:
// 1) Discover the latest release.
// 2) Read the installed version.
// 3) Compare them.
// 4) Upgrade when they differ.
func (u *runner) Run(ctx context.Context) (*Outcome, error) {
	latest, err := release.Discover(ctx, release.OptionsFromConfig(u.cfg, u.client))
	if err != nil {
		return nil, fmt.Errorf("discover latest release: %w", err)
	}

	outcome := &Outcome{
		Latest:    latest,
		Rehearsal: u.cfg.Rehearsal,
	}

	current, err := u.markers.Load(ctx)
	if err != nil {
		return outcome, fmt.Errorf("read installed version: %w", err)
	}

	outcome.CurrentVersion = current

	u.printf("Current: '%s'\n", current)
	u.printf("Latest: '%s'\n", latest.Version)

	if !NeedsUpgrade(current, latest.Version) {
		u.printf("Everything is up to date\n")
		return outcome, nil
	}

	u.printf("Need upgrade. Current version is %s. %s is available.\n", current, latest.Version)
	logVersionDirection(ctx, current, latest.Version)

	if err = u.upgrade(ctx, latest, outcome); err != nil {
		return outcome, err
	}

	return outcome, nil
}

// upgrade downloads and unpacks the release, backs up the installation,
// copies the release over it and records the new version.
func (u *runner) upgrade(ctx context.Context, latest *release.Release, outcome *Outcome) error {
	outcome.Upgraded = true
	outcome.BackupPath = BackupPath(u.cfg.InstallPath, u.startedAt)

	if err := os.MkdirAll(u.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	temporaryDirectory, err := os.MkdirTemp(u.cfg.WorkDir, temporaryDirectoryPattern)
	if err != nil {
		return fmt.Errorf("create temporary directory: %w", err)
	}

	u.temporaryDirectory = temporaryDirectory

	archivePath := filepath.Join(temporaryDirectory, ArchiveFileName(latest.Version))

	logger.InfoKV(ctx, "Downloading release", "url", latest.DownloadURL)

	if _, err = archive.Download(ctx, u.client, latest.DownloadURL, archivePath); err != nil {
		return fmt.Errorf("download release: %w", err)
	}

	extractRoot := filepath.Join(temporaryDirectory, extractDirectoryName)
	if err = archive.Extract(ctx, archivePath, extractRoot); err != nil {
		return fmt.Errorf("extract release: %w", err)
	}

	releaseDir, err := releaseDirectory(extractRoot, u.cfg.ReleaseDirName)
	if err != nil {
		return err
	}

	warnIfServerRunning(ctx, u.processes, u.cfg.ServerProcess)

	copyOptions := tree.Options{Rehearsal: u.cfg.Rehearsal}

	outcome.BackedUp, err = tree.Copy(ctx, u.cfg.InstallPath, outcome.BackupPath, copyOptions)
	if err != nil {
		return fmt.Errorf("back up installation: %w", err)
	}

	u.reportCopy(u.cfg.InstallPath, outcome.BackupPath, len(outcome.BackedUp))

	outcome.Installed, err = tree.Copy(ctx, releaseDir, u.cfg.InstallPath, copyOptions)
	if err != nil {
		return fmt.Errorf("install release: %w", err)
	}

	u.reportCopy(releaseDir, u.cfg.InstallPath, len(outcome.Installed))

	if u.cfg.Rehearsal {
		u.printf("Would record version %s\n", latest.Version)
		return nil
	}

	if err = u.markers.Save(ctx, latest.Version); err != nil {
		return fmt.Errorf("record installed version: %w", err)
	}

	logger.InfoKV(ctx, "Upgrade finished", "version", latest.Version, "backup", outcome.BackupPath)

	return nil
}

func (u *runner) reportCopy(from, to string, files int) {
	if u.cfg.Rehearsal {
		u.printf("Would copy %s to %s (%d files)\n", from, to, files)
		return
	}

	u.printf("Copied %s to %s (%d files)\n", from, to, files)
}

func (u *runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(u.out, format, args...)
}

// cleanup removes the temporary download and extraction directory.
func (u *runner) cleanup(ctx context.Context) {
	if u.temporaryDirectory == "" {
		return
	}

	if err := os.RemoveAll(u.temporaryDirectory); err != nil {
		logger.WarnKV(ctx, "Unable to remove temporary directory", "path", u.temporaryDirectory, "error", err)
	}
}
