package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "custodiand",
		Short: "custodiand — nostr key custodian and signing gateway",
		Long: "Holds a single nostr identity and mediates signing and encryption\n" +
			"requests from apps, gated by a per-domain trust policy with\n" +
			"interactive approval for domains you have not decided on yet.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	root.AddCommand(
		runCmd(),
		permissionsCmd(),
		historyCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "custodian.yaml"
	}
	return home + "/.config/custodian/config.yaml"
}
