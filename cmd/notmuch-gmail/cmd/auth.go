package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notmuch-gmail/notmuch-gmail/internal/auth"
)

var (
	authForce     bool
	authNoBrowser bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize access to the Gmail account",
	Long: `Run the OAuth2 authorization flow and store the resulting credentials
in the status directory.

By default a browser is opened for consent and the grant is captured on a
local callback port. With --no-browser a device code is printed instead and
the command polls until the code is entered on another machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := auth.New(cfg.OAuthFile()).WithLogger(logger)

		if provider.HasToken() && !authForce {
			fmt.Println("Account already authorized. Use --force to re-authorize.")
			return nil
		}
		if authForce {
			if err := provider.DeleteToken(); err != nil {
				return fmt.Errorf("remove stored credentials: %w", err)
			}
		}

		if err := provider.Authorize(cmd.Context(), authNoBrowser); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		fmt.Println("Authorization successful.")
		return nil
	},
}

func init() {
	authCmd.Flags().BoolVar(&authForce, "force", false, "discard stored credentials and re-authorize")
	authCmd.Flags().BoolVar(&authNoBrowser, "no-browser", false, "use the device code flow instead of opening a browser")
	rootCmd.AddCommand(authCmd)
}
