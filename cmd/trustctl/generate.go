package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	trust "github.com/polisai/trustconf/internal/tls"
	"github.com/spf13/cobra"
)

type generateOptions struct {
	commonName string
	dnsNames   []string
	ips        []string
	isCA       bool
	keyType    string
	validFor   time.Duration
	outDir     string
	pki        bool
}

func newGenerateCmd(a *app) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate certificates for testing trust configurations",
		Long: `Generate a self-signed certificate, or with --pki a CA plus a server
certificate signed by it (ca.crt, server.crt, server.key).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runGenerate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.commonName, "cn", "localhost", "Common name")
	cmd.Flags().StringSliceVar(&opts.dnsNames, "dns", nil, "DNS subject alternative names")
	cmd.Flags().StringSliceVar(&opts.ips, "ip", nil, "IP subject alternative names")
	cmd.Flags().BoolVar(&opts.isCA, "ca", false, "Generate a CA certificate")
	cmd.Flags().StringVar(&opts.keyType, "key-type", string(trust.KeyTypeECDSA), "Key type: rsa or ecdsa")
	cmd.Flags().DurationVar(&opts.validFor, "valid-for", 365*24*time.Hour, "Validity period")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", ".", "Output directory")
	cmd.Flags().BoolVar(&opts.pki, "pki", false, "Generate a CA and a server certificate signed by it")

	return cmd
}

func (a *app) runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	keyType := trust.KeyType(opts.keyType)

	if opts.pki {
		names := append([]string{opts.commonName}, opts.dnsNames...)
		names = append(names, opts.ips...)
		pki, err := trust.GenerateTestPKI(keyType, names...)
		if err != nil {
			return err
		}
		if err := pki.WriteFiles(opts.outDir); err != nil {
			return err
		}
		a.logger.Info("Generated test PKI", "dir", opts.outDir,
			"ca_sha256", trust.GetCertificateFingerprint(pki.CA.Certificate))
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, %s and %s\n",
			filepath.Join(opts.outDir, "ca.crt"),
			filepath.Join(opts.outDir, "server.crt"),
			filepath.Join(opts.outDir, "server.key"))
		return nil
	}

	genOpts := trust.CertificateGenerationOptions{
		CommonName: opts.commonName,
		DNSNames:   opts.dnsNames,
		IsCA:       opts.isCA,
		KeyType:    keyType,
		ValidFor:   opts.validFor,
	}
	for _, raw := range opts.ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", raw)
		}
		genOpts.IPAddresses = append(genOpts.IPAddresses, ip)
	}

	cert, err := trust.GenerateCertificate(genOpts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	certFile := filepath.Join(opts.outDir, "cert.pem")
	keyFile := filepath.Join(opts.outDir, "key.pem")
	if err := os.WriteFile(certFile, cert.CertPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, cert.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	a.logger.Info("Generated certificate", "cert", certFile, "key", keyFile,
		"sha256", trust.GetCertificateFingerprint(cert.Certificate))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
	return nil
}
