package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbd-wtf/custodian/permission"
	badgerstore "github.com/nbd-wtf/custodian/store/badger"
)

func openPermissions() (*permission.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	kv, err := badgerstore.NewStore(cfg.badgerPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store (is the daemon running?): %w", err)
	}
	return permission.NewStore(kv), func() { kv.Close() }, nil
}

func permissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and edit per-domain trust decisions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, done, err := openPermissions()
			if err != nil {
				return err
			}
			defer done()

			records, err := perms.List()
			if err != nil {
				return err
			}
			for _, rec := range records {
				expiry := "permanent"
				if rec.ExpiresAt != nil {
					expiry = "until " + rec.ExpiresAt.Time().Format(time.RFC3339)
				}
				fmt.Printf("%-40s %-6s %s\n", rec.Domain, rec.Decision, expiry)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <domain>",
		Short: "Forget the decision for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, done, err := openPermissions()
			if err != nil {
				return err
			}
			defer done()
			return perms.Revoke(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and broken decisions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			perms, done, err := openPermissions()
			if err != nil {
				return err
			}
			defer done()

			n, err := perms.SweepExpired()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d\n", n)
			return nil
		},
	})

	return cmd
}
