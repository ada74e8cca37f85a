// Package negotiator resolves a relay stream the recording process can pull
// for a camera's RTSP source.
package negotiator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator/relay"
)

const defaultRTSPPort = "554"

type Relay interface {
	Streams(ctx context.Context) (map[string]relay.Stream, error)
	Register(ctx context.Context, name, src string) error
}

type Config struct {
	StreamPrefix string
	RTSPURL      string
	RetryDelay   time.Duration
	ProbeTimeout time.Duration
}

type Stream struct {
	ID      string
	PullURL string
}

type Negotiator struct {
	log   *slog.Logger
	cfg   Config
	relay Relay
}

func New(log *slog.Logger, cfg Config, r Relay) *Negotiator {
	return &Negotiator{
		log:   log,
		cfg:   cfg,
		relay: r,
	}
}

// Resolve tries, in order: the camera's preferred stream id, any stream
// already pulling from the same host, a fresh registration, and one delayed
// rescan. It fails with ErrStreamUnavailable when all of them miss.
func (n *Negotiator) Resolve(ctx context.Context, cameraID, sourceURL string) (Stream, error) {
	const op = "service.negotiator.Resolve"

	preferred := PreferredID(n.cfg.StreamPrefix, cameraID)
	host := SourceHost(sourceURL)

	log := n.log.With(
		slog.String("op", op),
		sl.Camera(cameraID),
		slog.String("stream_id", preferred),
		slog.String("source_host", host),
	)

	streams, err := n.relay.Streams(ctx)
	if err != nil {
		log.Warn("failed to list relay streams", sl.Err(err))
	}

	if _, ok := streams[preferred]; ok {
		log.Debug("reusing preferred stream")

		return n.stream(preferred), nil
	}

	if id := findByHost(streams, host); id != "" {
		log.Info("reusing relay stream registered for the same source", slog.String("matched_stream", id))

		return n.stream(id), nil
	}

	src, err := EncodeSource(sourceURL)
	if err != nil {
		log.Error("failed to encode source url", sl.Err(err))

		return Stream{}, fmt.Errorf("%s: %w: %v", op, errs.ErrStreamUnavailable, err)
	}

	lastErr := n.relay.Register(ctx, preferred, src)
	if lastErr != nil {
		log.Warn("stream registration failed", sl.Err(lastErr))
	} else {
		streams, err = n.relay.Streams(ctx)
		if err == nil {
			if _, ok := streams[preferred]; ok {
				log.Info("registered relay stream")

				return n.stream(preferred), nil
			}
		}
		lastErr = err
	}

	if err := sleep(ctx, n.cfg.RetryDelay); err != nil {
		return Stream{}, fmt.Errorf("%s: %w", op, err)
	}

	streams, err = n.relay.Streams(ctx)
	if err != nil {
		lastErr = err
	}
	if _, ok := streams[preferred]; ok {
		log.Info("registered relay stream after retry")

		return n.stream(preferred), nil
	}
	if id := findByHost(streams, host); id != "" {
		log.Info("matched relay stream by source host after retry", slog.String("matched_stream", id))

		return n.stream(id), nil
	}

	log.Error("no relay stream could be obtained")

	if lastErr != nil {
		return Stream{}, fmt.Errorf("%s: %w: %v", op, errs.ErrStreamUnavailable, lastErr)
	}

	return Stream{}, fmt.Errorf("%s: %w", op, errs.ErrStreamUnavailable)
}

// Probe dials the camera's RTSP port. It is a reachability check only, no
// RTSP exchange happens.
func (n *Negotiator) Probe(ctx context.Context, sourceURL string) error {
	const op = "service.negotiator.Probe"

	addr := SourceAddr(sourceURL)
	if addr == "" {
		return fmt.Errorf("%s: %w: no host in source url", op, errs.ErrSourceUnreachable)
	}

	timeout := n.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrSourceUnreachable, err)
	}
	conn.Close()

	return nil
}

func (n *Negotiator) stream(id string) Stream {
	return Stream{
		ID:      id,
		PullURL: strings.TrimRight(n.cfg.RTSPURL, "/") + "/" + id,
	}
}

// PreferredID derives a relay-safe stream name from a camera id.
func PreferredID(prefix, cameraID string) string {
	var b strings.Builder
	b.WriteString(prefix)

	for _, r := range cameraID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}

// EncodeSource re-encodes the userinfo of an RTSP url so a literal '@' or
// ':' in the password cannot be mistaken for the host separator.
func EncodeSource(sourceURL string) (string, error) {
	scheme, rest, ok := strings.Cut(sourceURL, "://")
	if !ok {
		return "", fmt.Errorf("missing scheme in %q", Redact(sourceURL))
	}

	userinfo, hostpath, hasUser := splitUserinfo(rest)
	if !hasUser {
		return sourceURL, nil
	}

	user, pass, hasPass := strings.Cut(userinfo, ":")
	user = unescape(user)

	var ui *url.Userinfo
	if hasPass {
		ui = url.UserPassword(user, unescape(pass))
	} else {
		ui = url.User(user)
	}

	return scheme + "://" + ui.String() + "@" + hostpath, nil
}

// SourceHost returns the bare host (IP or name) of a source url.
func SourceHost(sourceURL string) string {
	addr := SourceAddr(sourceURL)
	if addr == "" {
		return ""
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

// SourceAddr returns host:port of a source url, defaulting to the RTSP port.
func SourceAddr(sourceURL string) string {
	_, rest, ok := strings.Cut(sourceURL, "://")
	if !ok {
		rest = sourceURL
	}

	_, hostpath, _ := splitUserinfo(rest)

	hostport := hostpath
	if i := strings.IndexAny(hostport, "/?#"); i >= 0 {
		hostport = hostport[:i]
	}
	if hostport == "" {
		return ""
	}

	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return net.JoinHostPort(strings.Trim(hostport, "[]"), defaultRTSPPort)
	}

	return hostport
}

// splitUserinfo finds where the userinfo ends. A '@' after a plain
// host[:port] and '/' is part of the path. Otherwise the userinfo ends at
// the last '@' before the first '/', '?' or '#' that follows the first '@',
// so an unescaped '@' or '/' inside the password stays in the userinfo.
func splitUserinfo(rest string) (userinfo, hostpath string, ok bool) {
	first := strings.Index(rest, "@")
	if first < 0 {
		return "", rest, false
	}

	if i := strings.IndexAny(rest, "/?#"); i >= 0 && i < first && isHostPort(rest[:i]) {
		return "", rest, false
	}

	end := len(rest)
	if j := strings.IndexAny(rest[first:], "/?#"); j >= 0 {
		end = first + j
	}
	at := strings.LastIndex(rest[:end], "@")

	return rest[:at], rest[at+1:], true
}

func isHostPort(s string) bool {
	if s == "" {
		return false
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if strings.HasPrefix(s, "[") {
			return strings.HasSuffix(s, "]")
		}

		return !strings.Contains(s, ":")
	}

	if _, err := strconv.Atoi(port); err != nil {
		return false
	}

	return host != ""
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}

	return s
}

func findByHost(streams map[string]relay.Stream, host string) string {
	if host == "" {
		return ""
	}

	names := make([]string, 0, len(streams))
	for name := range streams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, p := range streams[name].Producers {
			if SourceHost(p.URL) == host || addrHost(p.RemoteAddr) == host {
				return name
			}
		}
	}

	return ""
}

func addrHost(addr string) string {
	if addr == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}

	return addr
}

// Redact masks the userinfo of a source url for logs and API responses.
func Redact(sourceURL string) string {
	prefix := ""
	rest := sourceURL
	if scheme, after, ok := strings.Cut(sourceURL, "://"); ok {
		prefix, rest = scheme+"://", after
	}

	if _, hostpath, ok := splitUserinfo(rest); ok {
		return prefix + "***@" + hostpath
	}

	return sourceURL
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
