// Package artifact streams a release asset from a URL to local storage and
// unpacks it into a runnable binary. Artifacts are tens of megabytes and the
// target devices are memory constrained, so every transfer and decompression
// path uses bounded streaming buffers; nothing is ever buffered whole.
package artifact

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

const copyChunkSize = 256 * 1024

// Fetcher downloads and unpacks release artifacts.
type Fetcher struct {
	client     *http.Client
	binaryName string
	logger     *slog.Logger
}

type Options struct {
	// BinaryName locates the right entry inside zip archives.
	BinaryName string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		client:     &http.Client{Timeout: opts.Timeout},
		binaryName: opts.BinaryName,
		logger:     opts.Logger,
	}
}

// Fetch streams the artifact at rawURL into dest, decompressing by URL
// suffix: .xz and .zip per the release convention, .gz and .zst for
// repackaged mirrors, anything else as a raw binary. On success dest is an
// executable file. On any failure partial outputs are removed: a corrupt
// agent binary must never be left in place.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	switch suffix(rawURL) {
	case ".xz":
		err = f.unpackXZ(resp.Body, dest)
	case ".zip":
		err = f.unpackZip(resp.Body, dest)
	case ".gz":
		err = f.unpackStream(dest, func() (io.Reader, error) { return gzip.NewReader(resp.Body) })
	case ".zst":
		err = f.unpackStream(dest, func() (io.Reader, error) { return zstd.NewReader(resp.Body) })
	default:
		err = f.writeRaw(resp.Body, dest)
	}
	if err != nil {
		_ = os.Remove(dest)
		return err
	}

	if err := os.Chmod(dest, 0o755); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("mark executable: %w", err)
	}
	f.logger.Info("artifact ready", "dest", dest)
	return nil
}

// unpackXZ spools the compressed stream to a temporary file first, then
// decompresses into dest in fixed-size chunks. A decode error removes both
// outputs and is a hard failure.
func (f *Fetcher) unpackXZ(body io.Reader, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*.xz")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := copyChunked(tmp, body); err != nil {
		return fmt.Errorf("spool compressed artifact: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	xr, err := xz.NewReader(tmp)
	if err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := copyChunked(out, xr); err != nil {
		_ = out.Close()
		return fmt.Errorf("decompress artifact: %w", err)
	}
	return out.Close()
}

// unpackZip spools the archive to a temporary file (zip needs random
// access), then copies the first entry whose name contains the binary base
// name. Scanning stops as soon as the entry is found.
func (f *Fetcher) unpackZip(body io.Reader, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*.zip")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := copyChunked(tmp, body); err != nil {
		return fmt.Errorf("spool archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(tmp, info.Size())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || !strings.Contains(path.Base(entry.Name), f.binaryName) {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}
		out, err := os.Create(dest)
		if err != nil {
			_ = rc.Close()
			return err
		}
		if err := copyChunked(out, rc); err != nil {
			_ = rc.Close()
			_ = out.Close()
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		_ = rc.Close()
		return out.Close()
	}
	return fmt.Errorf("archive has no entry matching %q", f.binaryName)
}

func (f *Fetcher) unpackStream(dest string, open func() (io.Reader, error)) error {
	r, err := open()
	if err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	if d, ok := r.(*zstd.Decoder); ok {
		defer d.Close()
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := copyChunked(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("decompress artifact: %w", err)
	}
	return out.Close()
}

func (f *Fetcher) writeRaw(body io.Reader, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := copyChunked(out, body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyChunked(dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

func suffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(path.Ext(rawURL))
	}
	return strings.ToLower(path.Ext(u.Path))
}
