package feed

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RemoteFeed is a parsed ftp:// or ftps:// locator. An empty Host means the
// fetcher's configured host.
type RemoteFeed struct {
	Host    string
	Path    string
	TLSOnly bool
}

// Fetcher downloads a remote feed to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, remote RemoteFeed, dst string) error
}

// Snapshot is one materialized raw feed: a UTF-8 text file plus every temp
// path created on the way.
type Snapshot struct {
	Path        string
	Source      string
	Fingerprint uint64
	Cleanup     []string
}

func (s *Snapshot) FingerprintHex() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%016x", s.Fingerprint)
}

type Materializer struct {
	Fetcher Fetcher
	Log     zerolog.Logger
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "windows-1250", "cp1250":
		return charmap.Windows1250, nil
	case "windows-1251", "cp1251":
		return charmap.Windows1251, nil
	case "iso-8859-2", "latin2":
		return charmap.ISO8859_2, nil
	case "iso-8859-1", "latin-1", "latin1":
		return charmap.ISO8859_1, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// Materialize resolves locator to one decoded text file in dir. Local paths
// may be plain, .gz or .zip; ftp:// and ftps:// locators go through the Fetcher.
// On error the returned cleanup list is still valid.
func (m *Materializer) Materialize(ctx context.Context, locator string, layout LayoutConfig, dir string) (*Snapshot, error) {
	snap := &Snapshot{Source: locator}
	if strings.TrimSpace(locator) == "" {
		return snap, ErrNoInput
	}
	enc, err := lookupEncoding(layout.Encoding)
	if err != nil {
		return snap, err
	}

	local := locator
	if remote, ok, err := parseRemote(locator); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	} else if ok {
		if m.Fetcher == nil {
			return snap, fmt.Errorf("%w: no fetcher configured for %s", ErrFetchFailed, locator)
		}
		local = filepath.Join(dir, "download"+remoteExt(remote.Path))
		snap.Cleanup = append(snap.Cleanup, local)
		m.Log.Debug().Str("host", remote.Host).Str("remote", remote.Path).Bool("tls_only", remote.TLSOnly).Msg("fetching feed")
		if err := m.Fetcher.Fetch(ctx, remote, local); err != nil {
			return snap, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	} else if _, err := os.Stat(local); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrNoInput, err)
	}

	out := filepath.Join(dir, "raw.txt")
	snap.Cleanup = append(snap.Cleanup, out)
	fp, err := m.decompress(local, out, enc)
	if err != nil {
		return snap, err
	}
	snap.Path = out
	snap.Fingerprint = fp
	return snap, nil
}

// parseRemote reports whether locator is ftp:// or ftps://.
// ftp://host[:port]/path names its server; ftp:///path uses the default one.
func parseRemote(locator string) (RemoteFeed, bool, error) {
	lower := strings.ToLower(locator)
	if !strings.HasPrefix(lower, "ftp://") && !strings.HasPrefix(lower, "ftps://") {
		return RemoteFeed{}, false, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return RemoteFeed{}, true, err
	}
	if strings.Trim(u.Path, "/") == "" {
		return RemoteFeed{}, true, fmt.Errorf("locator %q has no file path", locator)
	}
	return RemoteFeed{
		Host:    u.Host,
		Path:    u.Path,
		TLSOnly: strings.EqualFold(u.Scheme, "ftps"),
	}, true, nil
}

func remoteExt(remote string) string {
	switch strings.ToLower(path.Ext(remote)) {
	case ".gz":
		return ".gz"
	case ".zip":
		return ".zip"
	}
	return ".txt"
}

func (m *Materializer) decompress(src, dst string, enc encoding.Encoding) (uint64, error) {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".gz":
		f, err := os.Open(src)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("gunzip %s: %w", src, err)
		}
		defer zr.Close()
		return writeDecoded(zr, dst, enc)
	case ".zip":
		zr, err := zip.OpenReader(src)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
		}
		defer zr.Close()
		entry := pickZipEntry(zr.File)
		if entry == nil {
			return 0, ErrEmptyArchive
		}
		m.Log.Debug().Str("entry", entry.Name).Msg("zip entry selected")
		rc, err := entry.Open()
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		return writeDecoded(rc, dst, enc)
	default:
		f, err := os.Open(src)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return writeDecoded(f, dst, enc)
	}
}

func pickZipEntry(files []*zip.File) *zip.File {
	for _, ext := range []string{".csv", ".txt"} {
		for _, f := range files {
			if f.FileInfo().IsDir() {
				continue
			}
			if strings.EqualFold(path.Ext(f.Name), ext) {
				return f
			}
		}
	}
	return nil
}

// writeDecoded transcodes r to UTF-8 without BOM and returns the xxhash of the result.
func writeDecoded(r io.Reader, dst string, enc encoding.Encoding) (uint64, error) {
	var dec transform.Transformer = enc.NewDecoder()
	if enc == unicode.UTF8 {
		dec = unicode.BOMOverride(unicode.UTF8.NewDecoder())
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(out, h), transform.NewReader(r, dec)); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// FingerprintFile hashes a file's raw bytes.
func FingerprintFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// cleanupPaths removes temp files best-effort.
func cleanupPaths(log zerolog.Logger, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("temp cleanup failed")
		}
	}
}
