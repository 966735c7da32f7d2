package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	prefsTheme    string
	prefsLanguage string
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show your preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		prefs, err := a.db.GetPreferences(cmd.Context(), a.cfg.UserID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cyan := color.New(color.FgCyan)
		cyan.Fprint(out, "  theme     ")
		fmt.Fprintln(out, prefs.Theme)
		cyan.Fprint(out, "  language  ")
		fmt.Fprintln(out, prefs.Language)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change your preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		prefs, err := a.db.GetPreferences(cmd.Context(), a.cfg.UserID)
		if err != nil {
			return err
		}
		if prefsTheme != "" {
			prefs.Theme = prefsTheme
		}
		if prefsLanguage != "" {
			prefs.Language = prefsLanguage
		}
		if err := prefs.Validate(); err != nil {
			return err
		}
		if err := a.db.SavePreferences(cmd.Context(), prefs); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "  ✓ preferences saved")
		return nil
	},
}

func init() {
	prefsSetCmd.Flags().StringVar(&prefsTheme, "theme", "", "light, dark or system")
	prefsSetCmd.Flags().StringVar(&prefsLanguage, "language", "", "en, zh, ja, es, fr or de")
	prefsCmd.AddCommand(prefsSetCmd)
}
