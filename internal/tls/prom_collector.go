package tls

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TrustCollector exposes the state of a TrustConfig to Prometheus. Values are
// read from a borrowed view on every scrape.
type TrustCollector struct {
	tc *TrustConfig

	verifyMode   *prometheus.Desc
	chainCerts   *prometheus.Desc
	chainExpiry  *prometheus.Desc
	chainInfo    *prometheus.Desc
	debugEnabled *prometheus.Desc
}

// NewTrustCollector creates a collector for tc.
func NewTrustCollector(tc *TrustConfig) *TrustCollector {
	return &TrustCollector{
		tc: tc,
		verifyMode: prometheus.NewDesc(
			"trustconf_verify_mode",
			"Current peer verification mode (1 for the active mode)",
			[]string{"mode"}, nil,
		),
		chainCerts: prometheus.NewDesc(
			"trustconf_chain_certificates",
			"Number of certificates in the installed trusted chain",
			nil, nil,
		),
		chainExpiry: prometheus.NewDesc(
			"trustconf_chain_earliest_expiry_timestamp_seconds",
			"Earliest NotAfter of the installed trusted chain in Unix seconds",
			nil, nil,
		),
		chainInfo: prometheus.NewDesc(
			"trustconf_chain_info",
			"Identity of the installed trusted chain",
			[]string{"chain_id", "fingerprint"}, nil,
		),
		debugEnabled: prometheus.NewDesc(
			"trustconf_debug_enabled",
			"Whether TLS debug diagnostics are enabled (1) or not (0)",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TrustCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.verifyMode
	ch <- c.chainCerts
	ch <- c.chainExpiry
	ch <- c.chainInfo
	ch <- c.debugEnabled
}

// Collect implements prometheus.Collector.
func (c *TrustCollector) Collect(ch chan<- prometheus.Metric) {
	_ = c.tc.View(func(v View) error {
		for _, mode := range []VerifyMode{VerifyStrict, VerifyInsecureNoVerify} {
			value := 0.0
			if v.Mode == mode {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(c.verifyMode, prometheus.GaugeValue, value, mode.String())
		}

		certs := 0
		if v.Chain != nil {
			certs = v.Chain.Len()
			ch <- prometheus.MustNewConstMetric(c.chainInfo, prometheus.GaugeValue, 1, v.Chain.ID(), v.Chain.Fingerprint())
			if expiry, ok := v.Chain.EarliestExpiry(); ok {
				ch <- prometheus.MustNewConstMetric(c.chainExpiry, prometheus.GaugeValue, float64(expiry.Unix()))
			}
		}
		ch <- prometheus.MustNewConstMetric(c.chainCerts, prometheus.GaugeValue, float64(certs))

		debug := 0.0
		if v.Debug {
			debug = 1
		}
		ch <- prometheus.MustNewConstMetric(c.debugEnabled, prometheus.GaugeValue, debug)
		return nil
	})
}
