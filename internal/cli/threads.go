package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your chat threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		threads, err := a.store.ListThreads(cmd.Context(), a.cfg.UserID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(threads) == 0 {
			color.New(color.FgHiBlack).Fprintln(out, "  No threads yet. Start one with: deepchat chat")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tMODEL\tUPDATED")
		for _, t := range threads {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Title, t.Model, t.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var threadsRmCmd = &cobra.Command{
	Use:   "rm THREAD_ID",
	Short: "Delete a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteThread(cmd.Context(), a.cfg.UserID, args[0]); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ deleted %s\n", args[0])
		return nil
	},
}

func init() {
	threadsCmd.AddCommand(threadsRmCmd)
}
