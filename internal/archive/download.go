package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/oshokin/ts3-updater/internal/logger"
)

// DefaultFileMode is used for the downloaded archive.
const DefaultFileMode os.FileMode = 0o644

// ErrBadHTTPStatus is returned for any non-200 download response.
var ErrBadHTTPStatus = errors.New("unexpected http status")

// HTTPClient is the part of *http.Client used by Download.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Download stores the body of url at dst and returns the number of bytes written.
// Redirects are followed by the client. A partial file is removed on failure.
func Download(ctx context.Context, client HTTPClient, url, dst string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}

	response, err := client.Do(req)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s, %s: %w", url, response.Status, ErrBadHTTPStatus)
	}

	outputFile, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(outputFile, response.Body)
	if err == nil {
		err = outputFile.Sync()
	}

	if closeErr := outputFile.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("write %s: %w", dst, err)
	}

	logger.InfoKV(ctx, "Downloaded archive", "path", dst, "bytes", written)

	return written, nil
}
