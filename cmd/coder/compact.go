package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactPreserve int

var compactCmd = &cobra.Command{
	Use:   "compact <id>",
	Short: "Fold a session's older turns into one summary turn",
	Long: `Compact replaces every turn between the system prompt and the most recent
turns with a single summary turn, so a long session fits the model's
context again. The event log keeps the full history.

The session must be idle. Run compact against the daemon's data directory
only while the daemon is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sess, err := store.Load(args[0])
		if err != nil {
			return err
		}
		tools, err := buildRegistry()
		if err != nil {
			return err
		}
		engine := newEngine(store, nil, tools, compactPreserve)
		res, err := engine.Compact(ctx, sess)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !res.Compacted {
			fmt.Fprintln(out, dimStyle.Render("nothing to compact"))
			return nil
		}
		fmt.Fprintf(out, "%s %d turns folded, ~%d → ~%d tokens\n",
			okStyle.Render("compacted"), res.FoldedCount, res.BeforeTokens, res.AfterTokens)
		return nil
	},
}

func init() {
	compactCmd.Flags().IntVar(&compactPreserve, "preserve", 0, "Recent turns to keep verbatim (default engine.preserve_turns)")
	rootCmd.AddCommand(compactCmd)
}
