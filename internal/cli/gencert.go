package cli

import (
	"os"

	"github.com/amine-amaach/uasc/internal/log"
	"github.com/amine-amaach/uasc/internal/pki"
	"github.com/spf13/cobra"
)

func gencertCmd() *cobra.Command {
	var (
		opts     pki.Options
		certFile string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed application instance certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Host == "" {
				opts.Host, _ = os.Hostname()
			}
			kp, err := pki.Generate(opts)
			if err != nil {
				return err
			}
			if err := kp.WritePEM(certFile, keyFile); err != nil {
				return err
			}
			cmd.Printf("%s %s, %s\n", log.Colorize("Certificate written:", log.Green), certFile, keyFile)
			cmd.Printf("Thumbprint %x\n", pki.Thumbprint(kp.Certificate))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.AppName, "app", "uasc", "application name")
	cmd.Flags().StringVar(&opts.Host, "host", "", "host name, defaults to the local host name")
	cmd.Flags().StringSliceVar(&opts.AdditionalHosts, "dns", nil, "additional DNS names")
	cmd.Flags().StringSliceVar(&opts.AdditionalIPs, "ip", nil, "additional IP addresses")
	cmd.Flags().IntVar(&opts.KeyBits, "bits", 2048, "RSA key size")
	cmd.Flags().StringVar(&certFile, "cert", "./pki/own/cert.pem", "certificate output file")
	cmd.Flags().StringVar(&keyFile, "key", "./pki/own/key.pem", "private key output file")
	return cmd
}
