package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/agentpay"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (a *app) invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Request invoices from the merchant",
	}

	var (
		in      checkoutclient.CreateInvoiceInput
		dueIn   time.Duration
		idemKey string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Ask the merchant to issue a signed invoice",
		Long: `Requests a new invoice and verifies the merchant's signature on it. The
request carries an Idempotency-Key (generated unless --idempotency-key is
given), so retries and re-runs with the same key return the same invoice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Amount == "" || in.Description == "" {
				return errors.New("--amount and --description are required")
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if idemKey == "" {
				idemKey = "agentctl-" + uuid.NewString()
			}
			if dueIn > 0 {
				in.DueInSeconds = int64(dueIn / time.Second)
			}
			mc := merchantClient(cfg)
			pinned, err := pinnedMerchant(cmd.Context(), cfg, mc)
			if err != nil {
				return err
			}
			created, err := mc.CreateInvoice(cmd.Context(), in, idemKey)
			if err != nil {
				return err
			}
			inv, err := agentpay.VerifyInvoice(created.Invoice, pinned)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printInvoice(out, inv, cfg.TokenDecimals)
			fmt.Fprintf(out, "status:    %s\n", created.Status)
			fmt.Fprintf(out, "key:       %s (replayed=%t)\n", idemKey, created.IdempotentReplay)
			return nil
		},
	}
	f := createCmd.Flags()
	f.StringVar(&in.Amount, "amount", "", "amount in token base units")
	f.StringVar(&in.Description, "description", "", "what the invoice is for")
	f.StringVar(&in.Recipient, "recipient", "", "override the merchant's default recipient")
	f.StringVar(&in.Payer, "payer", "", "pin the paying address")
	f.StringVar(&in.MerchantReference, "reference", "", "merchant reference")
	f.StringVar(&in.Purpose, "purpose", "", "purpose tag")
	f.DurationVar(&dueIn, "due-in", 0, "time until the invoice is due (merchant default when zero)")
	f.StringVar(&idemKey, "idempotency-key", "", "Idempotency-Key header; generated when empty")

	cmd.AddCommand(createCmd)
	return cmd
}
