package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/nbd-wtf/custodian"
	"github.com/nbd-wtf/custodian/history"
	"github.com/nbd-wtf/custodian/permission"
	badgerstore "github.com/nbd-wtf/custodian/store/badger"
)

// sweepInterval is how often expired permissions are swept while the daemon
// runs. Housekeeping only: expired records are also purged whenever read.
const sweepInterval = time.Hour

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the custodian daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			custodian.InfoLogger.SetOutput(os.Stderr)

			if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
				return fmt.Errorf("failed to create storage dir: %w", err)
			}

			kv, err := badgerstore.NewStore(cfg.badgerPath())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer kv.Close()

			hist, err := history.NewStore(cfg.sqlitePath())
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer hist.Close()

			var signer custodian.Signer
			if cfg.Identity.Key != "" {
				ks, err := custodian.NewKeySigner(cfg.Identity.Key)
				if err != nil {
					return fmt.Errorf("failed to load identity: %w", err)
				}
				signer = ks
				pk, _ := ks.GetPublicKey(cmd.Context())
				log.Printf("identity loaded, pubkey %s", pk)
			} else {
				log.Printf("no identity configured, running logged out")
			}

			if err := custodian.SaveSettings(kv, custodian.Settings{
				HistoryEnabled:       cfg.History,
				NotificationsEnabled: cfg.Notifications,
			}); err != nil {
				return err
			}

			perms := permission.NewStore(kv)
			if n, err := perms.SweepExpired(); err == nil && n > 0 {
				log.Printf("swept %d expired permissions", n)
			}

			hub := custodian.NewDialogHub()
			gw := custodian.NewGateway(custodian.GatewayOptions{
				Signer:      signer,
				Permissions: perms,
				KV:          kv,
				History:     hist,
				Notifier:    logNotifier{},
				Dialogs:     hub,
				Relays:      cfg.Relays,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				ticker := time.NewTicker(sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n, err := perms.SweepExpired(); err != nil {
							log.Printf("permission sweep failed: %s", err)
						} else if n > 0 {
							log.Printf("swept %d expired permissions", n)
						}
					}
				}
			}()

			server := custodian.NewServer(gw, hub, cfg.Listen)
			log.Printf("listening on %s", cfg.Listen)
			return server.Start(ctx)
		},
	}
}

// logNotifier surfaces auto-signed events on the daemon log. A desktop
// build would swap in something that talks to the notification service.
type logNotifier struct{}

func (logNotifier) Notify(domain string, evt *nostr.Event) {
	log.Printf("signed kind %d event %s for %s", evt.Kind, evt.ID, domain)
}
