package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-keyshop-backend/internal/app"
	"github.com/tbourn/go-keyshop-backend/internal/services"
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <payment_id>",
	Short: "Mark a pending payment paid and deliver its key",
	Long: `confirm is the operator override for payments the watchers cannot see,
such as BTC transfers. It is safe to run while the server is up: only one of
them can move the payment out of pending.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfirm,
}

func runConfirm(cmd *cobra.Command, args []string) error {
	if cfg.StoreDriver == "memory" {
		return errNeedsDatabase
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Engine.Shutdown(ctx)

	id := args[0]
	applied, err := a.Engine.ConfirmPayment(ctx, id)
	out := cmd.OutOrStdout()
	switch {
	case applied && errors.Is(err, services.ErrProvisioning):
		fmt.Fprintf(out, "Payment %s confirmed, but the key could not be created. Resolve manually.\n", id)
		return err
	case err != nil:
		return err
	case !applied:
		p, gerr := a.Engine.GetPayment(ctx, id)
		if gerr != nil {
			return gerr
		}
		fmt.Fprintf(out, "Payment %s is already %s; nothing to do.\n", id, p.Status)
		return nil
	}
	fmt.Fprintf(out, "Payment %s confirmed and key delivered.\n", id)
	return nil
}
