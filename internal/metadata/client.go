// Package metadata is the client side of the stream metadata service: it
// authorizes publishes, reports stream ends and looks up streams.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/browsercast/castrelay/internal/httpclient"
	"github.com/browsercast/castrelay/internal/relay"
)

// ErrStreamNotFound is returned by Stream for an unknown stream key.
var ErrStreamNotFound = errors.New("stream not found")

// StreamInfo is the public view of a stream.
type StreamInfo struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	StreamKey       string     `json:"stream_key"`
	Status          string     `json:"status"`
	Overview        string     `json:"overview"`
	StreamStartTime *time.Time `json:"stream_start_time,omitempty"`
}

// Client talks to the metadata service. It implements relay.Authorizer.
type Client struct {
	baseURL  string
	rtmpBase string
	rtmpApp  string
	http     *httpclient.Client
}

var _ relay.Authorizer = (*Client)(nil)

// NewClient creates a client for the service at baseURL. rtmpBase and
// rtmpApp are used to build the tcurl field the service expects.
func NewClient(baseURL, rtmpBase, rtmpApp string, hc *httpclient.Client) *Client {
	if hc == nil {
		hc = httpclient.New(httpclient.DefaultConfig())
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		rtmpBase: rtmpBase,
		rtmpApp:  rtmpApp,
		http:     hc,
	}
}

func (c *Client) form(streamID, secret string) url.Values {
	return url.Values{
		"name":  {streamID},
		"tcurl": {relay.TCURL(c.rtmpBase, c.rtmpApp, secret)},
	}
}

// Authorize asks the service whether secret may publish streamID.
func (c *Client) Authorize(ctx context.Context, streamID, secret string) error {
	resp, err := c.http.PostForm(ctx, c.baseURL+"/rtmp-auth", c.form(streamID, secret))
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrAuthUnavailable, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: metadata service returned %d", relay.ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("%w: metadata service returned %d", relay.ErrAuthUnavailable, resp.StatusCode)
	}
}

// EndStream reports that streamID stopped publishing.
func (c *Client) EndStream(ctx context.Context, streamID, secret string) error {
	resp, err := c.http.PostForm(ctx, c.baseURL+"/stream_end", c.form(streamID, secret))
	if err != nil {
		return fmt.Errorf("notifying stream end: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifying stream end: metadata service returned %d", resp.StatusCode)
	}
	return nil
}

// Stream fetches the public record for streamKey.
func (c *Client) Stream(ctx context.Context, streamKey string) (*StreamInfo, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/streams/"+url.PathEscape(streamKey))
	if err != nil {
		return nil, fmt.Errorf("looking up stream: %w", err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrStreamNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("looking up stream: metadata service returned %d", resp.StatusCode)
	}

	var info StreamInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding stream: %w", err)
	}
	return &info, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
