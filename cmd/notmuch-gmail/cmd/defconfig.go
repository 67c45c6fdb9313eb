package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notmuch-gmail/notmuch-gmail/internal/config"
)

var defconfigCmd = &cobra.Command{
	Use:   "defconfig",
	Short: "Print the annotated default configuration",
	Long: `Print the default configuration document with every option commented
out. Redirect it to ~/.notmuch-gmail-config as a starting point:

  notmuch-gmail defconfig > ~/.notmuch-gmail-config`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(config.DefaultConfig)
	},
}

func init() {
	rootCmd.AddCommand(defconfigCmd)
}
