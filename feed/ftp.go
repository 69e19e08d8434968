package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
)

// FTPFetcher downloads feeds over explicit FTPS and falls back to plain FTP
// unless the locator demands TLS.
type FTPFetcher struct {
	Host     string
	User     string
	Password string
	Timeout  time.Duration
	Log      zerolog.Logger
}

// addr prefers the locator's host over the configured one.
func (f *FTPFetcher) addr(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = strings.TrimSpace(f.Host)
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "21")
}

func (f *FTPFetcher) Fetch(ctx context.Context, remote RemoteFeed, dst string) error {
	addr := f.addr(remote.Host)
	if addr == "" {
		return errors.New("ftp: host is not configured")
	}
	modes := []bool{true, false}
	if remote.TLSOnly {
		modes = modes[:1]
	}
	var errs []error
	for _, secure := range modes {
		err := f.fetchOnce(ctx, addr, remote.Path, dst, secure)
		if err == nil {
			return nil
		}
		f.Log.Warn().Err(err).Bool("tls", secure).Str("addr", addr).Str("path", remote.Path).Msg("ftp fetch attempt failed")
		errs = append(errs, fmt.Errorf("tls=%t: %w", secure, err))
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (f *FTPFetcher) fetchOnce(ctx context.Context, addr string, remotePath string, dst string, secure bool) error {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []ftp.DialOption{ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx)}
	if secure {
		host, _, _ := net.SplitHostPort(addr)
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}))
	}
	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = c.Quit() }()

	if err := c.Login(f.User, f.Password); err != nil {
		return err
	}
	resp, err := c.Retr(remotePath)
	if err != nil {
		return err
	}
	defer resp.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
