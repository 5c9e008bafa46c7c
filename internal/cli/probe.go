package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/amine-amaach/uasc/internal/log"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/pki"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/services"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var (
		policyName string
		modeName   string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe <endpoint-url>",
		Short: "Open a secure channel, call GetEndpoints and close",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			opts, err := clientOptions(cfg, logger, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			endpoints, err := getEndpoints(ctx, opts, args[0])
			if err != nil {
				return err
			}
			printEndpoints(cmd, endpoints)

			p := policy.FromShortName(policyName)
			if p == policy.Invalid {
				return errors.Errorf("unknown security policy %q", policyName)
			}
			if p == policy.None {
				return nil
			}
			mode, err := policy.ParseSecurityMode(modeName)
			if err != nil {
				return err
			}
			kp, err := loadKeyPair(cfg, logger)
			if err != nil {
				return err
			}
			return probeSecured(ctx, cmd, opts, args[0], p, mode, endpoints, kp)
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "None", "security policy of a second, secured probe")
	cmd.Flags().StringVar(&modeName, "mode", "SignAndEncrypt", "security mode of the secured probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func getEndpoints(ctx context.Context, opts services.ClientOptions, endpointURL string) ([]ua.EndpointDescription, error) {
	opts.OnEvent = func(ev model.ChannelEvent) {
		if ev.Kind == model.EventBackoff {
			opts.Logger.Infof("Retry %d in %s", ev.Attempt, ev.Delay)
		}
	}
	client, err := services.NewClientChannelSvc(opts)
	if err != nil {
		return nil, err
	}
	if err := client.Create(ctx, endpointURL); err != nil {
		return nil, err
	}
	defer client.Close(ctx)

	res, err := client.PerformMessageTransaction(ctx, &ua.GetEndpointsRequest{EndpointURL: endpointURL})
	if err != nil {
		return nil, err
	}
	ger, ok := res.(*ua.GetEndpointsResponse)
	if !ok {
		return nil, errors.Errorf("unexpected response %T", res)
	}
	return ger.Endpoints, nil
}

func probeSecured(ctx context.Context, cmd *cobra.Command, opts services.ClientOptions, endpointURL string, p policy.Policy, mode ua.MessageSecurityMode, endpoints []ua.EndpointDescription, kp *pki.KeyPair) error {
	var serverCert []byte
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == p.URI() && ep.SecurityMode == mode {
			serverCert = []byte(ep.ServerCertificate)
			break
		}
	}
	if len(serverCert) == 0 {
		return errors.Errorf("the server offers no %s/%v endpoint", p, mode)
	}
	opts.SecurityPolicy = p
	opts.SecurityMode = mode
	opts.Certificate = kp.Certificate
	opts.PrivateKey = kp.PrivateKey
	opts.ServerCertificate = serverCert
	secured, err := getEndpoints(ctx, opts, endpointURL)
	if err != nil {
		return errors.Wrapf(err, "secured probe with %s failed", p)
	}
	cmd.Printf("%s %s/%v returned %d endpoints\n", log.Colorize("Secured channel OK:", log.Green), p, mode, len(secured))
	return nil
}

func printEndpoints(cmd *cobra.Command, endpoints []ua.EndpointDescription) {
	for i, ep := range endpoints {
		cmd.Println(log.Colorize(fmt.Sprintf("[%d] %s", i, ep.EndpointURL), log.Cyan))
		cmd.Printf("    policy   %s\n", policy.FromURI(ep.SecurityPolicyURI))
		cmd.Printf("    mode     %v\n", ep.SecurityMode)
		cmd.Printf("    level    %d\n", ep.SecurityLevel)
		cmd.Printf("    server   %s (%s)\n", ep.Server.ApplicationName.Text, ep.Server.ApplicationURI)
	}
}
