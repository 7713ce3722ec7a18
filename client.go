package telemetry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eniris/telemetry-go/pointwriter"
	"github.com/eniris/telemetry-go/transport"
)

// ClientOptions configures the pipeline a Client assembles on top of a
// Config. The zero value wires filtering, buffering, and gzip compression
// in front of a background transmitter with static-token auth,
// matching influx/client.go's New() "sane defaults unless told otherwise"
// posture.
type ClientOptions struct {
	// Username and Password, if both set, select dynamic two-tier token
	// auth over the Config's static Token.
	Username, Password string
	AuthURL            string

	// DisableFilter skips the deduplicating filter stage.
	DisableFilter bool
	FilterOptions pointwriter.FilterOptions

	// DisableBuffer routes points directly to the gzip/transmitter
	// stages with no coalescing or linger window (the Direct writer)
	// instead of through the default Buffer.
	DisableBuffer bool
	BufferOptions pointwriter.BufferOptions

	// DisableGzip skips compression entirely.
	DisableGzip bool
	GzipOptions transport.GzipOptions

	// SnapshotFolder, if set, enables crash-survival persistence on the
	// background transmitter.
	SnapshotFolder string

	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// Client is a fully assembled ingestion pipeline: application code calls
// WritePoints, and the configured chain of filter, buffer, compression,
// and transmission stages takes it from there. Grounded on
// influx/client.go's Client, generalized from a single InfluxDB v2 REST
// client into the pipeline assembly described by this package's doc
// comment.
type Client struct {
	config Config
	writer pointwriter.Writer
	auth   *transport.Auth
	bg     *transport.Background
}

// New builds a Client from config and opts. The returned Client owns a
// background goroutine (the transmitter's worker) and, if configured, an
// auth driver; call Close when done.
func New(config Config, opts ClientOptions) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	ingressURL := strings.TrimSuffix(config.Host, "/") + "/v1/telemetry"

	c := &Client{config: config}

	var authHeader func() (string, error)
	if opts.Username != "" && opts.Password != "" {
		authURL := opts.AuthURL
		if authURL == "" {
			authURL = config.Host
		}
		c.auth = transport.NewAuth(transport.AuthOptions{
			Username:   opts.Username,
			Password:   opts.Password,
			AuthURL:    authURL,
			APIURL:     config.Host,
			HTTPClient: config.HTTPClient,
		})
		authHeader = c.auth.AccessTokenBearer
	} else {
		token := "Token " + config.Token
		authHeader = func() (string, error) { return token, nil }
	}

	bg, err := transport.NewBackground(transport.BackgroundOptions{
		URL:               ingressURL,
		AuthHeader:        authHeader,
		HTTPClient:        config.HTTPClient,
		MaxRetries:        opts.MaxRetries,
		InitialRetryDelay: opts.InitialRetryDelay,
		MaxRetryDelay:     opts.MaxRetryDelay,
		SnapshotFolder:    opts.SnapshotFolder,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: client: %w", err)
	}
	c.bg = bg

	var tw transport.Writer = bg
	if !opts.DisableGzip {
		gzipOpts := opts.GzipOptions
		if gzipOpts.MinSize == 0 {
			gzipOpts.MinSize = config.GzipThreshold
		}
		tw = transport.NewGzip(tw, gzipOpts)
	}

	var w pointwriter.Writer
	if opts.DisableBuffer {
		w = pointwriter.NewDirect(tw, pointwriter.DirectOptions{})
	} else {
		w = pointwriter.NewBuffer(tw, opts.BufferOptions)
	}
	if !opts.DisableFilter {
		w = pointwriter.NewFilter(w, opts.FilterOptions)
	}
	c.writer = w

	return c, nil
}

// DefaultNamespace builds the Namespace identified by the Client's
// Config.Organization and Config.Database, for callers that address a
// single destination and don't construct a Namespace per point.
func (c *Client) DefaultNamespace() (Namespace, error) {
	return NewV2Namespace(c.config.Organization, c.config.Database)
}

// WritePoints pushes points through the configured filter/buffer/gzip
// chain toward the background transmitter. It does not block on network
// I/O; call Flush to wait for outstanding data to be sent.
func (c *Client) WritePoints(points []*Point) error {
	return c.writer.WritePoints(points)
}

// Flush blocks until every point handed to WritePoints so far has been
// encoded, batched, and handed off to (or dropped by) the transmitter.
func (c *Client) Flush() error {
	return c.writer.Flush()
}

// Close flushes outstanding data, stops the background transmitter's
// worker goroutine, and logs out of the auth driver if one is configured.
func (c *Client) Close() error {
	if err := c.writer.Flush(); err != nil {
		return err
	}
	if err := c.bg.Close(true); err != nil {
		return err
	}
	if c.auth != nil {
		return c.auth.Close()
	}
	return nil
}
