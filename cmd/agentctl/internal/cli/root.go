// Package cli implements the agentctl commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/AdamBeaudoin/Agent-Checkout/cmd/agentctl/internal/config"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/agentpay"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	version    string
}

// Execute runs the root command against os.Args.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	a := &app{version: version}
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Verify and pay merchant invoices within the owner's spending policy",
		Long: `agentctl fetches a signed invoice from a merchant, checks the signature and
the owner's guardian policy, pays it on the ledger and asks the merchant to
confirm the settlement.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "path to agent.yaml")

	root.AddCommand(a.versionCmd())
	root.AddCommand(a.configCmd())
	root.AddCommand(a.invoiceCmd())
	root.AddCommand(a.verifyCmd())
	root.AddCommand(a.payCmd())
	root.AddCommand(a.policyCmd())
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentctl %s\n", a.version)
		},
	}
}

func (a *app) load() (*config.Config, error) {
	return config.Load(a.configPath)
}

func merchantClient(cfg *config.Config) *checkoutclient.MerchantClient {
	return checkoutclient.NewMerchant(cfg.MerchantURL, checkoutclient.WithBearerToken(cfg.MerchantConfirmToken))
}

// guardian returns nil when no guardian is configured, so agentpay sees an
// untyped nil interface.
func guardian(cfg *config.Config) agentpay.Guardian {
	if cfg.GuardianURL == "" {
		return nil
	}
	return guardianClient(cfg)
}

func guardianClient(cfg *config.Config) *checkoutclient.GuardianClient {
	return checkoutclient.NewGuardian(cfg.GuardianURL, checkoutclient.WithBearerToken(cfg.GuardianAdminToken))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
