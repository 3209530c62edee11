package tls

import (
	"context"
	"sync"
	"time"
)

// ExpiryStatus classifies how close a trusted certificate is to expiry.
type ExpiryStatus string

const (
	ExpiryStatusOK       ExpiryStatus = "OK"
	ExpiryStatusWarning  ExpiryStatus = "WARNING"
	ExpiryStatusCritical ExpiryStatus = "CRITICAL"
	ExpiryStatusExpired  ExpiryStatus = "EXPIRED"
)

// CertificateStatus is the expiry state of one certificate in the trusted chain.
type CertificateStatus struct {
	Index           int
	Subject         string
	Issuer          string
	Fingerprint     string
	NotBefore       time.Time
	NotAfter        time.Time
	DaysUntilExpiry int
	Status          ExpiryStatus
	LastChecked     time.Time
}

// ChainStatus is the result of one monitor pass.
type ChainStatus struct {
	ChainID      string
	Mode         VerifyMode
	Certificates []CertificateStatus
}

// Worst returns the most severe status in the chain, or ExpiryStatusOK when
// the chain is empty.
func (s ChainStatus) Worst() ExpiryStatus {
	worst := ExpiryStatusOK
	for _, cert := range s.Certificates {
		if severity(cert.Status) > severity(worst) {
			worst = cert.Status
		}
	}
	return worst
}

func severity(s ExpiryStatus) int {
	switch s {
	case ExpiryStatusExpired:
		return 3
	case ExpiryStatusCritical:
		return 2
	case ExpiryStatusWarning:
		return 1
	default:
		return 0
	}
}

// ChainMonitor periodically checks the trusted chain of a TrustConfig for
// certificates that are expired or about to expire.
type ChainMonitor struct {
	tc     *TrustConfig
	logger *TLSLogger

	mu            sync.RWMutex
	checkInterval time.Duration
	warningDays   []int // days before expiry to warn at, e.g. [30, 7, 1]
	running       bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	lastWarnings  map[string]time.Time // fingerprint -> last warning
	now           func() time.Time
}

// NewChainMonitor creates a monitor for tc's installed chain.
func NewChainMonitor(tc *TrustConfig) *ChainMonitor {
	return &ChainMonitor{
		tc:            tc,
		logger:        tc.logger,
		checkInterval: time.Hour,
		warningDays:   []int{30, 7, 1},
		lastWarnings:  make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetCheckInterval sets the interval between checks.
func (m *ChainMonitor) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.checkInterval = interval
	}
}

// SetWarningDays sets the days before expiry at which warnings are logged.
func (m *ChainMonitor) SetWarningDays(days []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningDays = make([]int, len(days))
	copy(m.warningDays, days)
}

// Start runs an immediate check and then one per interval until Stop or
// ctx is done.
func (m *ChainMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.logger.Logger().Info("Starting trusted chain monitor",
		"check_interval", m.checkInterval,
		"warning_days", m.warningDays)

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.monitorLoop(ctx, m.checkInterval, m.stopChan)

	return nil
}

// Stop stops monitoring and waits for the loop to exit.
func (m *ChainMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	close(m.stopChan)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Logger().Info("Trusted chain monitor stopped")
	return nil
}

func (m *ChainMonitor) monitorLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check inspects the installed chain once, logs warnings for certificates
// inside a warning window and returns the per-certificate status. With no
// chain installed the result has no certificates.
func (m *ChainMonitor) Check(ctx context.Context) ChainStatus {
	var result ChainStatus

	_ = m.tc.View(func(v View) error {
		result.Mode = v.Mode
		if v.Chain == nil {
			return nil
		}
		result.ChainID = v.Chain.ID()
		if expiry, ok := v.Chain.EarliestExpiry(); ok && m.tc.metrics != nil {
			m.tc.metrics.RecordChainExpiry(ctx, result.ChainID, expiry)
		}

		now := m.now()
		for i, cert := range v.Chain.Certificates() {
			days := int(cert.NotAfter.Sub(now).Hours() / 24)
			result.Certificates = append(result.Certificates, CertificateStatus{
				Index:           i,
				Subject:         cert.Subject.String(),
				Issuer:          cert.Issuer.String(),
				Fingerprint:     GetCertificateFingerprint(cert),
				NotBefore:       cert.NotBefore,
				NotAfter:        cert.NotAfter,
				DaysUntilExpiry: days,
				Status:          classifyExpiry(cert.NotAfter, now),
				LastChecked:     now,
			})
		}
		return nil
	})

	counts := map[ExpiryStatus]int{}
	for _, status := range result.Certificates {
		counts[status.Status]++
		m.maybeWarn(ctx, status)
	}

	m.logger.Logger().Debug("Trusted chain check completed",
		"chain_id", result.ChainID,
		"checked_count", len(result.Certificates),
		"warning_count", counts[ExpiryStatusWarning],
		"critical_count", counts[ExpiryStatusCritical],
		"expired_count", counts[ExpiryStatusExpired])

	return result
}

func classifyExpiry(notAfter, now time.Time) ExpiryStatus {
	remaining := notAfter.Sub(now)
	switch {
	case remaining <= 0:
		return ExpiryStatusExpired
	case remaining <= 24*time.Hour:
		return ExpiryStatusCritical
	case remaining <= 7*24*time.Hour:
		return ExpiryStatusWarning
	default:
		return ExpiryStatusOK
	}
}

// maybeWarn logs at most one warning per certificate per day.
func (m *ChainMonitor) maybeWarn(ctx context.Context, status CertificateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inWindow := status.Status == ExpiryStatusExpired
	for _, day := range m.warningDays {
		if status.DaysUntilExpiry <= day {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return
	}

	if last, ok := m.lastWarnings[status.Fingerprint]; ok && m.now().Sub(last) < 24*time.Hour {
		return
	}
	m.lastWarnings[status.Fingerprint] = m.now()

	m.logger.LogCertificateExpiry(ctx, status.Subject, status.NotAfter, status.DaysUntilExpiry, status.Status)
}
