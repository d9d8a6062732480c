package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/cmd/agentctl/internal/config"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/agentpay"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/spf13/cobra"
)

func (a *app) verifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify-invoice [invoice-id]",
		Short: "Check an invoice's structure and merchant signature without paying",
		Long: `Fetches the invoice from the merchant, or reads it from --file, and checks
its structure and signature. The owner's policy is not consulted; use
"pay --dry-run" for that.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return errors.New("pass either an invoice id or --file")
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			var (
				raw    []byte
				pinned = cfg.TrustedMerchant
			)
			if file != "" {
				if raw, err = os.ReadFile(file); err != nil {
					return err
				}
			} else {
				mc := merchantClient(cfg)
				if pinned, err = pinnedMerchant(cmd.Context(), cfg, mc); err != nil {
					return err
				}
				view, err := mc.GetInvoice(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				raw = view.Invoice
			}
			inv, err := agentpay.VerifyInvoice(raw, pinned)
			if err != nil {
				return err
			}
			if pinned == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "warning:   merchant not pinned; set trusted_merchant to check the signer")
			}
			if len(args) == 1 && inv.InvoiceID != args[0] {
				return fmt.Errorf("merchant returned invoice %s, asked for %s", inv.InvoiceID, args[0])
			}
			printInvoice(cmd.OutOrStdout(), inv, cfg.TokenDecimals)
			fmt.Fprintln(cmd.OutOrStdout(), "signature: ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the signed invoice JSON from a file")
	return cmd
}

// pinnedMerchant is the configured trusted merchant, else the address the
// merchant publishes at /api/merchant.
func pinnedMerchant(ctx context.Context, cfg *config.Config, mc *checkoutclient.MerchantClient) (string, error) {
	if cfg.TrustedMerchant != "" {
		return cfg.TrustedMerchant, nil
	}
	id, err := mc.Identity(ctx)
	if err != nil {
		return "", err
	}
	if !ledger.IsAddress(id.Address) {
		return "", fmt.Errorf("merchant identity has no valid address: %q", id.Address)
	}
	return id.Address, nil
}

func printInvoice(w io.Writer, inv invoice.Signed, decimals int32) {
	fmt.Fprintf(w, "invoice:   %s\n", inv.InvoiceID)
	fmt.Fprintf(w, "merchant:  %s\n", inv.Merchant)
	fmt.Fprintf(w, "recipient: %s\n", inv.Recipient)
	fmt.Fprintf(w, "token:     %s\n", inv.Token)
	fmt.Fprintf(w, "amount:    %s (%s base units)\n", invoice.DisplayAmount(inv.Amount, decimals), inv.Amount)
	fmt.Fprintf(w, "chain:     %d\n", inv.ChainID)
	fmt.Fprintf(w, "due:       %s\n", time.Unix(inv.DueAt, 0).UTC().Format(time.RFC3339))
	if inv.Description != "" {
		fmt.Fprintf(w, "for:       %s\n", inv.Description)
	}
}
