// Package archive provides the daemon's view of upstream archives: fetching
// a package's published version string and tarball, and unpacking a
// tarball into a destination directory. Both the fetch and unpack sides are
// treated as external collaborators by the specification (a byte-stream
// producer and a verified-directory producer, respectively) so they are
// expressed as small interfaces; HTTPFetcher and TarGzUnpacker below are
// the concrete production implementations.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/pkg/capnslog"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "archive")

// Fetcher retrieves upstream version strings and archive bytes for a given
// owner/name/branch triple. Implementations are not required to retry;
// HTTPFetcher below adds retry and rate-limiting.
type Fetcher interface {
	FetchVersion(ctx context.Context, owner, name, branch string) (string, error)
	FetchArchive(ctx context.Context, owner, name, branch string) (io.ReadCloser, error)
}

// Unpacker extracts an archive stream into destDir.
type Unpacker interface {
	Unpack(r io.Reader, destDir string) error
}

// HTTPFetcher fetches a package's raw version file and tarball from a
// source-forge-style URL template. It wraps a retryablehttp.Client so
// transient network failures (the common case on an embedded appliance's
// flaky uplink) are retried a bounded number of times before being reported
// to the caller as a fetch failure, and a rate.Limiter so the download
// worker's fast cadence can never issue upstream requests faster than the
// configured interval even when several packages become eligible in the
// same tick.
type HTTPFetcher struct {
	// VersionURL and ArchiveURL are fmt templates taking (owner, name, branch).
	VersionURL string
	ArchiveURL string

	client  *retryablehttp.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher builds a production Fetcher. minInterval is the minimum
// spacing enforced between outgoing requests.
func NewHTTPFetcher(versionURL, archiveURL string, minInterval time.Duration) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // the daemon's own capnslog line is enough per attempt group

	return &HTTPFetcher{
		VersionURL: versionURL,
		ArchiveURL: archiveURL,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (f *HTTPFetcher) FetchVersion(ctx context.Context, owner, name, branch string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	url := fmt.Sprintf(f.VersionURL, owner, name, branch)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrapf(err, "building version request for %s/%s@%s", owner, name, branch)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetching version for %s/%s@%s", owner, name, branch)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetching version for %s/%s@%s: status %d", owner, name, branch, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", errors.Wrap(err, "reading version response body")
	}
	return firstLine(body), nil
}

func (f *HTTPFetcher) FetchArchive(ctx context.Context, owner, name, branch string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf(f.ArchiveURL, owner, name, branch)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building archive request for %s/%s@%s", owner, name, branch)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching archive for %s/%s@%s", owner, name, branch)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("fetching archive for %s/%s@%s: status %d", owner, name, branch, resp.StatusCode)
	}
	return resp.Body, nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return string(b[:i])
		}
	}
	return string(b)
}
