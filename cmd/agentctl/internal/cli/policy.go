package cli

import (
	"errors"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/cmd/agentctl/internal/config"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/spf13/cobra"
)

func (a *app) policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Read or replace the owner's spending policy on the guardian",
	}

	getCmd := &cobra.Command{
		Use:   "get [owner]",
		Short: "Print the policy for owner (default: the configured owner)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, owner, err := a.policyTarget(args)
			if err != nil {
				return err
			}
			p, err := guardianClient(cfg).GetPolicy(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	var (
		maxAmount  string
		recipients []string
		tokens     []string
		expiresIn  time.Duration
	)
	putCmd := &cobra.Command{
		Use:   "put [owner]",
		Short: "Replace the policy for owner; needs guardian_admin_token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAmount == "" {
				return errors.New("--max-amount is required")
			}
			if expiresIn <= 0 {
				return errors.New("--expires-in must be positive")
			}
			cfg, owner, err := a.policyTarget(args)
			if err != nil {
				return err
			}
			p, err := guardianClient(cfg).PutPolicy(cmd.Context(), owner, checkoutclient.PolicyWrite{
				MaxAmount:         maxAmount,
				AllowedRecipients: recipients,
				AllowedTokens:     tokens,
				ExpiresAt:         time.Now().Add(expiresIn).Unix(),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	putCmd.Flags().StringVar(&maxAmount, "max-amount", "", "largest payable amount in base units")
	putCmd.Flags().StringSliceVar(&recipients, "recipient", nil, "allowed recipient address (repeatable)")
	putCmd.Flags().StringSliceVar(&tokens, "token", nil, "allowed token address (repeatable)")
	putCmd.Flags().DurationVar(&expiresIn, "expires-in", 30*24*time.Hour, "policy lifetime")

	cmd.AddCommand(getCmd, putCmd)
	return cmd
}

func (a *app) policyTarget(args []string) (*config.Config, string, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, "", err
	}
	if cfg.GuardianURL == "" {
		return nil, "", errors.New("guardian_url is not configured")
	}
	if len(args) == 1 {
		return cfg, args[0], nil
	}
	owner, err := cfg.OwnerAddress()
	return cfg, owner, err
}
