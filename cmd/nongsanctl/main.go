// Command nongsanctl runs operator tasks against the marketplace store:
// migrations, one-off ledger reconciliation and VNPAY signature checks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nongsanctl",
		Short:         "Operator CLI for the Nong San marketplace API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Database
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())

	// Gateway
	root.AddCommand(newVNPayCmd())
	return root
}
