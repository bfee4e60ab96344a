package apihttp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxCoverBytes = int64(5 * 1024 * 1024)

const defaultCoverSize = "cover_big"

var coverSizes = map[string]struct{}{
	"cover_small":    {},
	"cover_big":      {},
	"thumb":          {},
	"micro":          {},
	"screenshot_med": {},
	"720p":           {},
	"1080p":          {},
}

var coverIDPattern = regexp.MustCompile(`^[a-z0-9]{1,64}$`)

// coverProxy serves catalog cover art from a single upstream image host.
// Only the image id and size come from the client, so the target URL is
// always built against that host.
type coverProxy struct {
	base   *url.URL
	client *http.Client
}

func newCoverProxy(imageBaseURL string, client *http.Client) *coverProxy {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(imageBaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil
	}
	if client == nil {
		client = newCoverClient(base.Host)
	}
	return &coverProxy{base: base, client: client}
}

func (p *coverProxy) coverURL(imageID, size string) string {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + "/t_" + size + "/" + imageID + ".jpg"
	return u.String()
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/games/cover" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.covers == nil {
		writeError(w, http.StatusNotFound, "not_found", "cover proxy is disabled")
		return
	}

	imageID := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("id")))
	if !coverIDPattern.MatchString(imageID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cover id")
		return
	}
	size := strings.TrimSpace(r.URL.Query().Get("size"))
	if size == "" {
		size = defaultCoverSize
	}
	if _, ok := coverSizes[size]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported cover size")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.covers.coverURL(imageID, size), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build cover request")
		return
	}
	req.Header.Set("User-Agent", "game-search/1.0")
	req.Header.Set("Accept", "image/avif,image/webp,image/jpeg,image/*;q=0.8")

	resp, err := s.covers.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch cover")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		writeError(w, http.StatusNotFound, "not_found", "cover not found")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > maxCoverBytes {
		writeError(w, http.StatusBadGateway, "upstream_error", "cover too large")
		return
	}

	limited := io.LimitReader(resp.Body, maxCoverBytes)
	head := make([]byte, 512)
	n, readErr := io.ReadFull(limited, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read cover")
		return
	}
	head = head[:n]

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	// Image ids are content addressed upstream.
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(head)
	_, _ = io.Copy(w, limited)
}

// newCoverClient refuses redirects that leave the image host.
func newCoverClient(host string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("stopped after 3 redirects")
			}
			if req.URL == nil || !strings.EqualFold(req.URL.Host, host) {
				return errors.New("redirect left the image host")
			}
			return nil
		},
	}
}
