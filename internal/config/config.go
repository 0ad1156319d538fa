package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the updater needs for one run.
type Config struct {
	// ReleasePage is the vendor page listing the current server releases.
	ReleasePage string `mapstructure:"release_page"`
	// InstallPath is the TeamSpeak server installation directory.
	InstallPath string `mapstructure:"install_path"`
	// MarkerFile is the version marker path, relative to InstallPath unless absolute.
	MarkerFile string `mapstructure:"marker_file"`
	// DownloadURLTemplate is the archive URL with VersionPlaceholder in place of the version.
	DownloadURLTemplate string `mapstructure:"download_url_template"`
	// SectionSelector is the CSS selector of the page block holding the Linux releases.
	SectionSelector string `mapstructure:"section_selector"`
	// HeadingMarker must appear in the heading of the wanted release.
	HeadingMarker string `mapstructure:"heading_marker"`
	// ReleaseDirName is the top-level directory inside the release archive.
	ReleaseDirName string `mapstructure:"release_dir"`
	// WorkDir receives the downloaded archive and the extraction directory.
	WorkDir string `mapstructure:"work_dir"`
	// ServerProcess is the executable name of a running TeamSpeak server.
	ServerProcess string `mapstructure:"server_process"`
	// Timeout bounds each HTTP request; zero means no timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// Rehearsal reports copy operations without executing them.
	Rehearsal bool `mapstructure:"rehearsal"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

const (
	// VersionPlaceholder is replaced with the release version in DownloadURLTemplate.
	VersionPlaceholder = "{version}"

	// DefaultReleasePage is the TeamSpeak downloads page.
	DefaultReleasePage = "https://teamspeak.com/en/downloads/"
	// DefaultInstallPath is where the server is usually installed.
	DefaultInstallPath = "/opt/teamspeak3"
	// DefaultMarkerFile stores the installed version inside InstallPath.
	DefaultMarkerFile = "version.txt"
	// DefaultDownloadURLTemplate points at the Linux amd64 server tarball.
	DefaultDownloadURLTemplate = "https://files.teamspeak-services.com/releases/server/" +
		VersionPlaceholder + "/teamspeak3-server_linux_amd64-" + VersionPlaceholder + ".tar.bz2"
	// DefaultSectionSelector matches the Linux server block of the downloads page.
	DefaultSectionSelector = "#server > div.platform.mb-5.linux"
	// DefaultHeadingMarker selects the 64-bit build.
	DefaultHeadingMarker = "64-bit"
	// DefaultReleaseDirName is the directory the vendor tarball unpacks to.
	DefaultReleaseDirName = "teamspeak3-server_linux_amd64"
	// DefaultServerProcess is the TeamSpeak server binary name.
	DefaultServerProcess = "ts3server"
	// DefaultLogLevel is used when TS3_UPDATER_LOG_LEVEL is unset.
	DefaultLogLevel = "info"
)

// EnvPrefix prefixes every key when it is read from the environment,
// so KeyInstallPath is TS3_UPDATER_INSTALL_PATH.
const EnvPrefix = "TS3_UPDATER"

// Configuration keys.
const (
	KeyReleasePage         = "release_page"
	KeyInstallPath         = "install_path"
	KeyMarkerFile          = "marker_file"
	KeyDownloadURLTemplate = "download_url_template"
	KeySectionSelector     = "section_selector"
	KeyHeadingMarker       = "heading_marker"
	KeyReleaseDirName      = "release_dir"
	KeyWorkDir             = "work_dir"
	KeyServerProcess       = "server_process"
	KeyTimeout             = "timeout"
	KeyRehearsal           = "rehearsal"
	KeyLogLevel            = "log_level"
)

// Command-line flags that override their keys when set.
const (
	FlagInstallPath = "install-path"
	FlagReleasePage = "release-page"
	FlagRehearsal   = "rehearsal"
	FlagLogLevel    = "log-level"
)

var flagKeys = map[string]string{
	FlagInstallPath: KeyInstallPath,
	FlagReleasePage: KeyReleasePage,
	FlagRehearsal:   KeyRehearsal,
	FlagLogLevel:    KeyLogLevel,
}

var (
	errConfigIsNotSet         = errors.New("configuration is not set")
	errInstallPathRequired    = errors.New("install path must be provided")
	errPlaceholderMissing     = errors.New("download url template has no " + VersionPlaceholder + " placeholder")
	errNotHTTPURL             = errors.New("url must be absolute http or https")
	errBadReleaseDirName      = errors.New("release directory name must be a single path element")
	errNegativeTimeout        = errors.New("timeout must not be negative")
	errUnknownLogLevel        = errors.New("unknown log level")
	errSelectorRequired       = errors.New("section selector must be provided")
	errHeadingMarkerRequired  = errors.New("heading marker must be provided")
	errMarkerFileNameRequired = errors.New("marker file must be provided")
)

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		ReleasePage:         DefaultReleasePage,
		InstallPath:         DefaultInstallPath,
		MarkerFile:          DefaultMarkerFile,
		DownloadURLTemplate: DefaultDownloadURLTemplate,
		SectionSelector:     DefaultSectionSelector,
		HeadingMarker:       DefaultHeadingMarker,
		ReleaseDirName:      DefaultReleaseDirName,
		WorkDir:             os.TempDir(),
		ServerProcess:       DefaultServerProcess,
		LogLevel:            DefaultLogLevel,
	}
}

// EnvName returns the environment variable that sets key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Load builds a Config from defaults, TS3_UPDATER_* environment variables
// and the changed flags in flags, in increasing priority, then validates it.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault(KeyReleasePage, defaults.ReleasePage)
	v.SetDefault(KeyInstallPath, defaults.InstallPath)
	v.SetDefault(KeyMarkerFile, defaults.MarkerFile)
	v.SetDefault(KeyDownloadURLTemplate, defaults.DownloadURLTemplate)
	v.SetDefault(KeySectionSelector, defaults.SectionSelector)
	v.SetDefault(KeyHeadingMarker, defaults.HeadingMarker)
	v.SetDefault(KeyReleaseDirName, defaults.ReleaseDirName)
	v.SetDefault(KeyWorkDir, defaults.WorkDir)
	v.SetDefault(KeyServerProcess, defaults.ServerProcess)
	v.SetDefault(KeyTimeout, defaults.Timeout)
	v.SetDefault(KeyRehearsal, defaults.Rehearsal)
	v.SetDefault(KeyLogLevel, defaults.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}

			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and formats.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(cfg.InstallPath) == "" {
		return errInstallPathRequired
	}

	if strings.TrimSpace(cfg.MarkerFile) == "" {
		return errMarkerFileNameRequired
	}

	if err := validateHTTPURL(cfg.ReleasePage); err != nil {
		return fmt.Errorf("invalid release page: %w", err)
	}

	if !strings.Contains(cfg.DownloadURLTemplate, VersionPlaceholder) {
		return errPlaceholderMissing
	}

	if err := validateHTTPURL(strings.ReplaceAll(cfg.DownloadURLTemplate, VersionPlaceholder, "0")); err != nil {
		return fmt.Errorf("invalid download url template: %w", err)
	}

	if strings.TrimSpace(cfg.SectionSelector) == "" {
		return errSelectorRequired
	}

	if strings.TrimSpace(cfg.HeadingMarker) == "" {
		return errHeadingMarkerRequired
	}

	name := cfg.ReleaseDirName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, errBadReleaseDirName)
	}

	if cfg.Timeout < 0 {
		return errNegativeTimeout
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%q: %w", cfg.LogLevel, errUnknownLogLevel)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}

	return nil
}

// MarkerPath returns the absolute location of the version marker.
func (c *Config) MarkerPath() string {
	if filepath.IsAbs(c.MarkerFile) {
		return filepath.Clean(c.MarkerFile)
	}

	return filepath.Join(c.InstallPath, c.MarkerFile)
}

func validateHTTPURL(raw string) error {
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return err
	}

	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%s: %w", raw, errNotHTTPURL)
	}

	return nil
}
