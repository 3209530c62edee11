package tls

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS trust events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// Logger returns the underlying component logger.
func (l *TLSLogger) Logger() *slog.Logger {
	return l.logger
}

// LogChainInstalled logs a successfully installed trusted chain
func (l *TLSLogger) LogChainInstalled(ctx context.Context, chain *CertificateChain, replacedID string) {
	attrs := []slog.Attr{
		slog.String("event", "chain_installed"),
		slog.String("chain_id", chain.ID()),
		slog.String("fingerprint", chain.Fingerprint()),
		slog.Int("certificate_count", chain.Len()),
		slog.Time("timestamp", time.Now()),
	}
	if replacedID != "" {
		attrs = append(attrs, slog.String("replaced_chain_id", replacedID))
	}
	if expiry, ok := chain.EarliestExpiry(); ok {
		attrs = append(attrs, slog.Time("earliest_expiry", expiry))
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "Trusted certificate chain installed", attrs...)
}

// LogCertificateValidation logs peer certificate validation events
func (l *TLSLogger) LogCertificateValidation(ctx context.Context, serverName string, cert *x509.Certificate, success bool, mode VerifyMode, err error) {
	level := slog.LevelDebug
	message := "Certificate validation successful"

	if !success {
		level = slog.LevelError
		message = "Certificate validation failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_validation"),
		slog.String("server_name", serverName),
		slog.String("verify_mode", mode.String()),
		slog.Bool("success", success),
		slog.Time("timestamp", time.Now()),
	}

	if cert != nil {
		attrs = append(attrs,
			slog.String("subject", cert.Subject.String()),
			slog.String("issuer", cert.Issuer.String()),
			slog.Time("not_before", cert.NotBefore),
			slog.Time("not_after", cert.NotAfter),
			slog.Any("dns_names", cert.DNSNames),
		)
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogCertificateReload logs bundle reload events
func (l *TLSLogger) LogCertificateReload(ctx context.Context, path string, success bool, err error) {
	level := slog.LevelInfo
	message := "CA bundle reload completed"

	if !success {
		level = slog.LevelError
		message = "CA bundle reload failed, keeping previous chain"
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_reload"),
		slog.String("path", path),
		slog.Bool("success", success),
		slog.Time("timestamp", time.Now()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogCertificateExpiry logs trusted certificate expiry warnings
func (l *TLSLogger) LogCertificateExpiry(ctx context.Context, subject string, expiryTime time.Time, daysRemaining int, status ExpiryStatus) {
	var level slog.Level
	var message string

	switch status {
	case ExpiryStatusExpired:
		level = slog.LevelError
		message = "Trusted certificate has expired - immediate action required"
	case ExpiryStatusCritical:
		level = slog.LevelError
		message = "Trusted certificate expires very soon - urgent action required"
	case ExpiryStatusWarning:
		level = slog.LevelWarn
		message = "Trusted certificate expires soon - action recommended"
	default:
		level = slog.LevelInfo
		message = "Trusted certificate expiry status"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "certificate_expiry"),
		slog.String("subject", subject),
		slog.Time("expires_on", expiryTime),
		slog.Int("days_remaining", daysRemaining),
		slog.String("status", string(status)),
		slog.Time("timestamp", time.Now()),
	)
}

// LogConfigurationChange logs TLS trust configuration changes
func (l *TLSLogger) LogConfigurationChange(ctx context.Context, changeType, description string, success bool, err error) {
	level := slog.LevelInfo
	message := "TLS configuration changed"

	if !success {
		level = slog.LevelError
		message = "TLS configuration change failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "configuration_change"),
		slog.String("change_type", changeType),
		slog.String("description", description),
		slog.Bool("success", success),
		slog.Time("timestamp", time.Now()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogSecurityEvent logs TLS security-related events
func (l *TLSLogger) LogSecurityEvent(ctx context.Context, eventType, description string, severity string) {
	var level slog.Level
	switch severity {
	case "critical", "high":
		level = slog.LevelError
	case "medium":
		level = slog.LevelWarn
	default:
		level = slog.LevelInfo
	}

	l.logger.LogAttrs(ctx, level, "TLS security event",
		slog.String("event", "security_event"),
		slog.String("event_type", eventType),
		slog.String("description", description),
		slog.String("severity", severity),
		slog.Time("timestamp", time.Now()),
	)
}
