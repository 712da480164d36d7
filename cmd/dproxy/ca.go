package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fihtony/dproxy/pkg/ca"
	"github.com/spf13/cobra"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the MITM root certificate authority",
		Long:  `Generate, inspect, and trust the certificate authority DeepProxy uses to mint host certificates for intercepted HTTPS traffic.`,
	}

	cmd.AddCommand(
		newCAGenerateCmd(),
		newCAInstallCmd(),
		newCAPrintCmd(),
	)

	return cmd
}

type caPathOptions struct {
	certPath string
	keyPath  string
}

func (o *caPathOptions) resolve() (cert, key string) {
	cert, key = o.certPath, o.keyPath
	if cert == "" {
		cert = ca.DefaultCertPath()
	}
	if key == "" {
		key = ca.DefaultKeyPath()
	}
	return cert, key
}

func addCAPathFlags(cmd *cobra.Command, opts *caPathOptions) {
	cmd.Flags().StringVar(&opts.certPath, "cert", "", "Path to CA certificate (default: ~/.dproxy/ca/ca.cert.pem)")
	cmd.Flags().StringVar(&opts.keyPath, "key", "", "Path to CA private key (default: ~/.dproxy/ca/ca.key.pem)")
}

func newCAGenerateCmd() *cobra.Command {
	opts := &caPathOptions{}
	var org, cn string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new root certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath, keyPath := opts.resolve()

			cfg := ca.DefaultConfig()
			if org != "" {
				cfg.Organization = org
			}
			if cn != "" {
				cfg.CommonName = cn
			}

			newCA, err := ca.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}
			if err := newCA.Save(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save CA: %w", err)
			}

			fmt.Printf("CA certificate generated:\n  certificate: %s\n  private key: %s\n\n", certPath, keyPath)
			fmt.Println("To trust this CA, run: dproxy ca install")
			return nil
		},
	}

	addCAPathFlags(cmd, opts)
	cmd.Flags().StringVar(&org, "org", "DeepProxy", "Organization name for the CA")
	cmd.Flags().StringVar(&cn, "cn", "DeepProxy Root CA", "Common name for the CA")

	return cmd
}

func newCAPrintCmd() *cobra.Command {
	opts := &caPathOptions{}

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the CA certificate in PEM form",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath, keyPath := opts.resolve()
			loadedCA, err := ca.Load(certPath, keyPath)
			if err != nil {
				return fmt.Errorf("failed to load CA (run 'dproxy ca generate' first): %w", err)
			}
			_, err = os.Stdout.Write(loadedCA.CertPEM())
			return err
		},
	}

	addCAPathFlags(cmd, opts)
	return cmd
}

func newCAInstallCmd() *cobra.Command {
	opts := &caPathOptions{}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the CA certificate into the local system trust store",
		Long: `Install the CA certificate into the operating system's trust store so
browsers and HTTP clients accept certificates DeepProxy mints for
intercepted hosts without a security warning.

This may require administrator privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath, _ := opts.resolve()
			if _, err := os.Stat(certPath); err != nil {
				return fmt.Errorf("CA certificate not found at %s (run 'dproxy ca generate' first)", certPath)
			}
			return installCATrust(certPath)
		},
	}

	addCAPathFlags(cmd, opts)
	return cmd
}

// installCATrust invokes the platform's native trust-store command. Each
// branch is a thin, single-purpose adapter; none of this logic is shared
// across platforms, so it stays in the command rather than behind an
// abstraction no second implementation would ever justify.
func installCATrust(certPath string) error {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.Command("security", "add-trusted-cert", "-d", "-r", "trustRoot",
			"-k", "/Library/Keychains/System.keychain", certPath)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return cmd.Run()
	case "linux":
		dest := "/usr/local/share/ca-certificates/dproxy-ca.crt"
		data, err := os.ReadFile(certPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("failed to copy CA certificate to %s (try sudo): %w", dest, err)
		}
		cmd := exec.Command("update-ca-certificates")
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return cmd.Run()
	case "windows":
		cmd := exec.Command("certutil", "-addstore", "-f", "ROOT", certPath)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return cmd.Run()
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}
