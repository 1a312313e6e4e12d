package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nongsan/marketplace-api/internal/vnpay"
)

func newVNPayCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "vnpay",
		Short: "Sign and verify VNPAY parameter sets",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("VNP_HASH_SECRET")
			}
			if secret == "" {
				return errors.New("hash secret required: pass --secret or set VNP_HASH_SECRET")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&secret, "secret", "", "merchant hash secret (default $VNP_HASH_SECRET)")

	// nongsanctl vnpay sign vnp_TxnRef=abc vnp_Amount=1000000 ...
	cmd.AddCommand(&cobra.Command{
		Use:   "sign key=value...",
		Short: "Print the canonical string and vnp_SecureHash for a parameter set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]string, len(args))
			for _, a := range args {
				k, v, ok := strings.Cut(a, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid parameter %q, want key=value", a)
				}
				params[k] = v
			}
			fmt.Fprintln(cmd.OutOrStdout(), vnpay.Canonical(params))
			fmt.Fprintln(cmd.OutOrStdout(), vnpay.Sign(params, secret))
			return nil
		},
	})

	// nongsanctl vnpay verify 'https://.../vnpay-return?vnp_Amount=...'
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <url|query>",
		Short: "Check the vnp_SecureHash of a callback URL or query string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if i := strings.IndexByte(raw, '?'); i >= 0 {
				raw = raw[i+1:]
			}
			values, err := url.ParseQuery(raw)
			if err != nil {
				return fmt.Errorf("parse query: %w", err)
			}
			params := vnpay.FromValues(values)
			if !vnpay.Verify(params, secret) {
				return errors.New("signature mismatch")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signature ok: vnp_TxnRef=%s vnp_ResponseCode=%s\n",
				params["vnp_TxnRef"], params["vnp_ResponseCode"])
			return nil
		},
	})
	return cmd
}
