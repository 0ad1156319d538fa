package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ts3-updater/internal/config"
	"github.com/oshokin/ts3-updater/internal/service/upgrader"
)

const downloadsPage = `<!DOCTYPE html>
<html><body>
<section id="server">
  <div class="platform mb-5 linux">
    <h3>
      TeamSpeak Server 3.13.7 (64-bit)
    </h3>
  </div>
</section>
</body></html>`

// TestUpgrader_EndToEnd configures the updater through the environment, serves the
// vendor page and a bzip2 release over HTTP, and checks the resulting installation.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestUpgrader_EndToEnd(t *testing.T) {
	payload, err := os.ReadFile("testdata/release.tar.bz2")
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		requested []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/en/downloads/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(downloadsPage))
	})
	mux.HandleFunc("/releases/server/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()

		http.Redirect(w, r, "/cdn/release.tar.bz2", http.StatusFound)
	})
	mux.HandleFunc("/cdn/release.tar.bz2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	})

	requestedPaths := func() []string {
		mu.Lock()
		defer mu.Unlock()

		return append([]string(nil), requested...)
	}

	ts := httptest.NewServer(mux)
	defer ts.Close()

	base := t.TempDir()
	installPath := filepath.Join(base, "teamspeak3")

	require.NoError(t, os.MkdirAll(installPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installPath, "ts3server"), []byte("server 3.13.6\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installPath, "version.txt"), []byte("3.13.6"), 0o644))

	env := map[string]string{
		config.KeyReleasePage: ts.URL + "/en/downloads/",
		config.KeyInstallPath: installPath,
		config.KeyDownloadURLTemplate: ts.URL +
			"/releases/server/{version}/teamspeak3-server_linux_amd64-{version}.tar.bz2",
		config.KeyWorkDir:   filepath.Join(base, "tmp"),
		config.KeyTimeout:   "30s",
		config.KeyLogLevel:  "debug",
		config.KeyRehearsal: "false",
	}

	for key, value := range env {
		t.Setenv(config.EnvName(key), value)
	}

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	var out bytes.Buffer

	outcome, err := upgrader.Run(context.Background(), &upgrader.Options{Config: cfg, Out: &out})
	require.NoError(t, err)
	require.True(t, outcome.Upgraded)
	require.Equal(t, "3.13.7", outcome.Latest.Version)
	require.Equal(t,
		[]string{"/releases/server/3.13.7/teamspeak3-server_linux_amd64-3.13.7.tar.bz2"},
		requestedPaths(),
	)

	body, err := os.ReadFile(filepath.Join(installPath, "ts3server"))
	require.NoError(t, err)
	require.Equal(t, "server 3.13.7\n", string(body))

	link, err := os.Readlink(filepath.Join(installPath, "libts3db_mariadb.so"))
	require.NoError(t, err)
	require.Equal(t, "redist/libmariadb.so.2", link)

	body, err = os.ReadFile(filepath.Join(outcome.BackupPath, "ts3server"))
	require.NoError(t, err)
	require.Equal(t, "server 3.13.6\n", string(body))

	body, err = os.ReadFile(filepath.Join(installPath, "version.txt"))
	require.NoError(t, err)
	require.Equal(t, "3.13.7", string(body))

	require.Contains(t, out.String(), "Current: '3.13.6'\nLatest: '3.13.7'\n")

	// A second run finds nothing to do.
	out.Reset()

	outcome, err = upgrader.Run(context.Background(), &upgrader.Options{Config: cfg, Out: &out})
	require.NoError(t, err)
	require.False(t, outcome.Upgraded)
	require.Len(t, requestedPaths(), 1)
	require.Contains(t, out.String(), "Everything is up to date")
}
