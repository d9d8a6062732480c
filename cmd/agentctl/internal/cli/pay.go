package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/AdamBeaudoin/Agent-Checkout/cmd/agentctl/internal/config"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/agentpay"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/spf13/cobra"
)

// refuseTransfer stands in for the ledger during dry runs.
type refuseTransfer struct{}

func (refuseTransfer) SendTransfer(context.Context, ledger.TransferRequest) (string, error) {
	return "", errors.New("dry run: transfer not sent")
}

func (a *app) payCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "pay <invoice-id>",
		Short: "Verify, policy-check, pay and confirm an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if dryRun {
				agent, err := newAgent(cfg, "", refuseTransfer{})
				if err != nil {
					return err
				}
				inv, source, err := agent.Check(ctx, args[0])
				if err != nil {
					return err
				}
				printInvoice(out, inv, cfg.TokenDecimals)
				fmt.Fprintf(out, "policy:    ok (%s)\n", source)
				return nil
			}

			signer, err := cfg.Signer()
			if err != nil {
				return err
			}
			client, err := ledger.Dial(ctx, cfg.RPCURL, cfg.ChainID, ledger.WithTransferKey(signer.PrivateKey()))
			if err != nil {
				return err
			}
			agent, err := newAgent(cfg, signer.Address(), client)
			if err != nil {
				return err
			}
			rcpt, err := agent.Pay(ctx, args[0])
			if rcpt.TxHash != "" {
				if perr := printJSON(out, rcpt); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after the signature and policy checks")
	return cmd
}

// newAgent builds an agent for cfg. An empty payer leaves the owner as payer.
func newAgent(cfg *config.Config, payer string, t ledger.Transferer) (*agentpay.Agent, error) {
	owner, err := cfg.OwnerAddress()
	if err != nil {
		return nil, err
	}
	return agentpay.New(merchantClient(cfg), guardian(cfg), t, agentpay.Config{
		ChainID:                  cfg.ChainID,
		Owner:                    owner,
		Payer:                    payer,
		TrustedMerchant:          cfg.TrustedMerchant,
		AllowLocalPolicyFallback: cfg.AllowLocalPolicyFallback,
		LocalPolicy:              cfg.FallbackPolicy(owner),
		ConfirmAttempts:          cfg.ConfirmAttempts,
	})
}
