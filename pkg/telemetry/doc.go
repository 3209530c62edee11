// Package telemetry wires OpenTelemetry exporters and meters for trustconf.
//
// It centralises trace provider setup and offers helpers that attach
// handshake metadata to spans and record probe outcomes, so operators can
// correlate trust decisions with the connections that triggered them.
package telemetry
