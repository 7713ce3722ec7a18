// Package telemetry implements a client-side telemetry ingestion pipeline
// for a time-series metrics service: structured measurement points are
// validated, encoded to line protocol, batched by destination, compressed,
// and transmitted over authenticated HTTPS with retry, backpressure, and
// crash-survival.
//
// The value objects in this package (Namespace, TagSet, FieldSet, Point,
// Telemessage) are consumed by the pipeline stages in the pointwriter and
// transport subpackages:
//
//	application -> pointwriter.Filter -> pointwriter.Buffer -> transport.Gzip -> transport.Background -> HTTPS
package telemetry
