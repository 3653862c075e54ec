// Package extract turns report files into the extracted text the analysis
// service consumes. Local paths and http(s) URLs are accepted.
package extract

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

var (
	// ErrUnsupported is returned for file types with no extractor.
	ErrUnsupported = eris.New("extract: unsupported file type")
	// ErrTooLarge is returned when the input exceeds the configured size.
	ErrTooLarge = eris.New("extract: file too large")
)

const defaultMaxBytes = 25 << 20

// Loader reads report files.
type Loader struct {
	maxBytes int64
	http     *http.Client
	retry    resilience.RetryConfig
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxBytes caps the size of a single input.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithHTTPClient sets the client used for remote inputs.
func WithHTTPClient(hc *http.Client) Option {
	return func(l *Loader) {
		l.http = hc
	}
}

// WithRetry sets the retry policy for remote downloads.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Loader) {
		l.retry = cfg
	}
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.OnRetry = resilience.RetryLogger("extract-download")

	l := &Loader{
		maxBytes: defaultMaxBytes,
		http:     &http.Client{Timeout: 60 * time.Second},
		retry:    retry,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads path and extracts its text.
func (l *Loader) Load(ctx context.Context, path string) (*model.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "extract: load")
	}

	var (
		data []byte
		name string
		err  error
	)
	if isRemote(path) {
		data, name, err = l.download(ctx, path)
	} else {
		data, err = l.readFile(path)
		name = filepath.Base(path)
	}
	if err != nil {
		return nil, err
	}

	ext, err := FromBytes(data, name)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s", path)
	}
	zap.L().Debug("extract: loaded input",
		zap.String("file", name),
		zap.Int("bytes", len(data)),
		zap.Int("pages", ext.TotalPages),
	)
	return ext, nil
}

// LoadAll loads every path with at most concurrency reads in flight. Results
// keep the order of paths; the first failure cancels the rest.
func (l *Loader) LoadAll(ctx context.Context, paths []string, concurrency int) ([]*model.Extraction, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	out := make([]*model.Extraction, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, p := range paths {
		g.Go(func() error {
			ext, err := l.Load(gctx, p)
			if err != nil {
				return err
			}
			out[i] = ext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FromBytes extracts text from an in-memory file. The extractor is chosen by
// the extension of filename.
func FromBytes(data []byte, filename string) (*model.Extraction, error) {
	var (
		ext *model.Extraction
		err error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		ext, err = extractPDF(data)
	case ".txt", ".text", ".md", "":
		ext, err = extractText(data)
	case ".json":
		ext, err = extractJSON(data)
	case ".xlsx":
		ext, err = extractXLSX(data)
	case ".csv":
		ext, err = extractCSV(data)
	default:
		return nil, eris.Wrapf(ErrUnsupported, "extract: %s", filename)
	}
	if err != nil {
		return nil, err
	}
	if ext.Filename == "" {
		ext.Filename = filename
	}
	return ext, nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return l.readLimited(f, path)
}

func (l *Loader) readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read %s", name)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "extract: %s exceeds %d bytes", name, l.maxBytes)
	}
	return data, nil
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
