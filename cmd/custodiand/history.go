package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbd-wtf/custodian/history"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent signatures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			hist, err := history.NewStore(cfg.sqlitePath())
			if err != nil {
				return err
			}
			defer hist.Close()

			entries, err := hist.List(limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  kind %-5d  %s  %s\n",
					e.CreatedAt.Time().Format(time.RFC3339), e.EventKind, e.EventID, e.Domain)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "how many entries to show")
	return cmd
}
