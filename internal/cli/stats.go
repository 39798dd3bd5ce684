package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/go-keyshop-backend/internal/app"
)

var errNeedsDatabase = errors.New("STORE_DRIVER=memory has nothing to inspect; operator commands need the sqlite store")

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pending and paid payment counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, _ []string) error {
	if cfg.StoreDriver == "memory" {
		return errNeedsDatabase
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Engine.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	p := message.NewPrinter(language.English)
	p.Fprintf(cmd.OutOrStdout(), "Pending payments: %d\nPaid payments: %d\n", st.PendingCount, st.PaidCount)
	return nil
}
