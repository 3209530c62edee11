package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	trust "github.com/polisai/trustconf/internal/tls"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInspectCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect <bundle|->",
		Short: "Parse a CA bundle and describe its certificates",
		Long: `Parse a PEM or DER CA bundle with the same rules used when installing a
trusted chain, and print each certificate. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readBundleArg(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			report, err := trust.InspectBundle(data, trust.WithParseLimits(a.cfg.Trust.MaxBundleSize, 0))
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func readBundleArg(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- path supplied by the operator on the command line
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, trust.NewCertificateLoadError(arg, err)
	}
	return data, nil
}

func writeReport(w io.Writer, report *trust.ChainReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	case "text", "":
		writeReportText(w, report)
		return nil
	default:
		return fmt.Errorf("unsupported format %q, supported formats: text, json, yaml", format)
	}
}

func writeReportText(w io.Writer, report *trust.ChainReport) {
	fmt.Fprintf(w, "bundle sha256: %s\n", report.Fingerprint)
	fmt.Fprintf(w, "certificates:  %d\n", len(report.Certificates))
	for _, cert := range report.Certificates {
		fmt.Fprintf(w, "\n[%d] %s\n", cert.Index, cert.Subject)
		fmt.Fprintf(w, "    issuer:     %s\n", cert.Issuer)
		fmt.Fprintf(w, "    serial:     %s\n", cert.SerialNumber)
		fmt.Fprintf(w, "    validity:   %s to %s\n",
			cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "    key:        %s %d bits\n", cert.PublicKeyAlgorithm, cert.KeySize)
		fmt.Fprintf(w, "    signature:  %s\n", cert.SignatureAlgorithm)
		fmt.Fprintf(w, "    ca:         %t (self-signed: %t)\n", cert.IsCA, cert.SelfSigned)
		if len(cert.KeyUsage) > 0 {
			fmt.Fprintf(w, "    key usage:  %s\n", strings.Join(cert.KeyUsage, ", "))
		}
		fmt.Fprintf(w, "    sha256:     %s\n", cert.Fingerprint)
		for _, warning := range cert.Warnings {
			fmt.Fprintf(w, "    warning:    %s\n", warning)
		}
	}
}
