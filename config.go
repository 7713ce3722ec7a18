package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

const (
	envTelemetryHost     = "TELEMETRY_HOST"
	envTelemetryToken    = "TELEMETRY_TOKEN"
	envTelemetryOrg      = "TELEMETRY_ORG"
	envTelemetryDatabase = "TELEMETRY_DATABASE"
)

// Config holds the parameters needed to stand up a full pipeline: where to
// send data, how to authenticate, and write-time defaults.
type Config struct {
	// Host is the base URL of the ingress endpoint, e.g. https://ingest.example.com
	Host string

	// Token is the static token used when no separate auth driver is
	// configured; New sends it as "Authorization: Token <token>".
	Token string

	// Organization and Database identify the default destination
	// namespace when the caller does not specify one per point.
	Organization string
	Database     string

	// HTTPClient is shared across all HTTP-issuing components for
	// connection pooling. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Precision is the timestamp resolution assumed when a connection
	// string specifies one; it does not change the encoder itself (the
	// encoder always emits nanoseconds), but informs callers constructing
	// Telemessages from coarser-resolution sources.
	Precision lineprotocol.Precision

	// GzipThreshold is the minimum payload size, in bytes, at which the
	// gzip stage attempts compression at all; below it the body is sent
	// uncompressed without even trying, since the attempt itself isn't
	// worth the CPU for a handful of bytes.
	GzipThreshold int

	// Headers holds default HTTP headers. New does not apply them: the
	// requests sent by the pipeline it assembles carry only the
	// Authorization header and each message's own headers.
	Headers http.Header
}

func (c *Config) validate() error {
	if c.Host == "" {
		return errors.New("telemetry: config: empty host")
	}
	if c.Token == "" {
		return errors.New("telemetry: config: no token specified")
	}
	return nil
}

// ParseConnectionString builds a Config from a single connection-string
// URL, e.g. "https://host:8086?token=T&org=O&database=D&precision=ns".
// Adapted from influxdb3/config.go's ClientConfig.parse, the one place
// lineprotocol.Precision is exercised outside the encoder.
func ParseConnectionString(connectionString string) (*Config, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("telemetry: config: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("telemetry: config: only http or https is supported")
	}

	values := u.Query()
	u.RawQuery = ""

	c := &Config{
		Host:      u.String(),
		Precision: lineprotocol.Nanosecond,
	}

	if token, ok := values["token"]; ok {
		c.Token = token[0]
	}
	if org, ok := values["org"]; ok {
		c.Organization = org[0]
	}
	if database, ok := values["database"]; ok {
		c.Database = database[0]
	}
	if precision, ok := values["precision"]; ok {
		switch precision[0] {
		case "ns":
			c.Precision = lineprotocol.Nanosecond
		case "us":
			c.Precision = lineprotocol.Microsecond
		case "ms":
			c.Precision = lineprotocol.Millisecond
		case "s":
			c.Precision = lineprotocol.Second
		default:
			return nil, fmt.Errorf("telemetry: config: unsupported precision %s", precision[0])
		}
	}
	if gzipThreshold, ok := values["gzipThreshold"]; ok {
		n, err := strconv.Atoi(gzipThreshold[0])
		if err != nil {
			return nil, fmt.Errorf("telemetry: config: %w", err)
		}
		c.GzipThreshold = n
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigFromEnv builds a Config from TELEMETRY_HOST, TELEMETRY_TOKEN,
// TELEMETRY_ORG, and TELEMETRY_DATABASE environment variables.
func ConfigFromEnv() (*Config, error) {
	c := &Config{
		Host:         os.Getenv(envTelemetryHost),
		Token:        os.Getenv(envTelemetryToken),
		Organization: os.Getenv(envTelemetryOrg),
		Database:     os.Getenv(envTelemetryDatabase),
		Precision:    lineprotocol.Nanosecond,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}
