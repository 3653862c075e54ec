package extract

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/rotisserie/eris"

	"github.com/sells-group/explain-cli/internal/resilience"
)

type download struct {
	data []byte
	name string
}

// download fetches a remote input, retrying transient failures.
func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	res, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (download, error) {
		return l.fetch(ctx, rawURL)
	})
	if err != nil {
		return nil, "", err
	}
	return res.data, res.name, nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) (download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return download{}, eris.Wrapf(err, "extract: build request %s", rawURL)
	}
	req.Header.Set("User-Agent", "explain-cli/1.0")

	resp, err := l.http.Do(req)
	if err != nil {
		return download{}, eris.Wrapf(err, "extract: download %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return download{}, resilience.NewStatusError("extract: download", resp.StatusCode, string(body))
	}

	data, err := l.readLimited(resp.Body, rawURL)
	if err != nil {
		return download{}, err
	}
	return download{data: data, name: remoteName(rawURL, resp.Header)}, nil
}

// remoteName picks a filename from Content-Disposition, falling back to the
// last URL path segment.
func remoteName(rawURL string, h http.Header) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return ""
}
