package metadata

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxMetaInt guards against a server announcing an absurd audio interval.
	maxMetaInt = 1 << 20

	// DefaultMaxArtworkBytes caps artwork downloads.
	DefaultMaxArtworkBytes = 10 << 20
)

// ErrArtworkTooLarge is returned when artwork exceeds the configured cap.
var ErrArtworkTooLarge = errors.New("artwork too large")

// Options configures a Client.
type Options struct {
	// Timeout bounds every request, including reading the first metadata block.
	Timeout time.Duration
	// Rate and Burst limit outbound requests across all streams.
	Rate  float64
	Burst int
	// MaxArtworkBytes caps artwork downloads; 0 means DefaultMaxArtworkBytes.
	MaxArtworkBytes int64
}

// Client fetches ICY metadata and artwork over HTTP.
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	maxArtwork int64
}

// NewClient returns a Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.Rate)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.MaxArtworkBytes <= 0 {
		opts.MaxArtworkBytes = DefaultMaxArtworkBytes
	}

	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		maxArtwork: opts.MaxArtworkBytes,
	}
}

// FetchMetadata connects to an ICY source, skips one audio interval and reads
// the metadata block that follows. A source that does not announce
// icy-metaint, or sends an empty block, yields empty Metadata.
func (c *Client) FetchMetadata(ctx context.Context, url string) (Metadata, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Metadata{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", "Winamp")

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	raw := resp.Header.Get("icy-metaint")
	if raw == "" {
		return Metadata{}, nil
	}
	metaint, err := strconv.Atoi(raw)
	if err != nil || metaint < 0 || metaint > maxMetaInt {
		return Metadata{}, fmt.Errorf("invalid icy-metaint %q", raw)
	}
	if metaint == 0 {
		return Metadata{}, nil
	}

	block, err := readMetaBlock(bufio.NewReader(resp.Body), metaint)
	if err != nil {
		return Metadata{}, err
	}
	return Parse(block), nil
}

func readMetaBlock(r *bufio.Reader, metaint int) (string, error) {
	if _, err := io.CopyN(io.Discard, r, int64(metaint)); err != nil {
		return "", fmt.Errorf("skip audio: %w", err)
	}

	lenByte, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("read metadata length: %w", err)
	}
	n := int(lenByte) * 16
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read metadata block: %w", err)
	}
	return string(buf), nil
}

// FetchArtwork downloads an image.
func (c *Client) FetchArtwork(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArtwork+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxArtwork {
		return nil, ErrArtworkTooLarge
	}
	return data, nil
}
