package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nostrclient/subman/accounts"
	"github.com/nostrclient/subman/config"
	"github.com/nostrclient/subman/memstore"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/subman"
	"github.com/nostrclient/subman/unknownids"
)

const (
	usagePubkey  = "hex pubkey of the account to follow"
	usagePrivkey = "hex private key, if this account can publish (optional)"
	relayTick    = 500 * time.Millisecond
	accountTick  = 5 * time.Second
)

func main() {
	rootCmd := &cobra.Command{Use: "subman"}
	runCmd := &cobra.Command{Use: "run", Run: runDemo}
	var pubkey, privkey string
	runCmd.Flags().StringVarP(&pubkey, "pubkey", "k", "", usagePubkey)
	runCmd.Flags().StringVarP(&privkey, "privkey", "s", "", usagePrivkey)
	rootCmd.AddCommand(runCmd)
	err := rootCmd.Execute()
	if err != nil {
		panic(err)
	}
}

func runDemo(cmd *cobra.Command, _ []string) {
	slog.Info("starting subman demo")

	cfg, err := config.Load[config.SubManConfig]()
	if err != nil {
		panic(err)
	}
	if len(cfg.BootstrapRelays) == 0 {
		slog.Info("no relays configured, using default relays")
		cfg.BootstrapRelays = config.DefaultBootstrapRelays
	}

	pubkey, err := cmd.Flags().GetString("pubkey")
	if err != nil {
		panic(err)
	}
	privkey, err := cmd.Flags().GetString("privkey")
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := specsFromBootstrap(cfg.BootstrapRelays)

	store := memstore.New()
	pool := relaypool.New(ctx)
	mgr := subman.New(pool, store, subman.Config{IdleGrace: cfg.IdleGrace})

	keys := newMemKeyStore()
	acc := accounts.New(keys, bootstrap)

	if pubkey != "" {
		if _, err := acc.AddAccount(accounts.UserAccount{Pubkey: pubkey, PrivateKey: privkey}); err != nil {
			panic(err)
		}
		if err := acc.Select(0); err != nil {
			panic(err)
		}
	}

	bag := unknownids.NewWithConfig(time.Now, cfg.DebounceWindow, cfg.ChunkSize)

	relayTicker := time.NewTicker(relayTick)
	defer relayTicker.Stop()
	accountTicker := time.NewTicker(accountTick)
	defer accountTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-relayTicker.C:
			mgr.ProcessRelays(ctx, bootstrap)
		case <-accountTicker.C:
			if err := acc.Update(ctx, mgr, store); err != nil {
				slog.Warn("account update failed", "err", err)
			}
			if bag.ReadyToSend() {
				for _, spec := range bag.GenerateResolutionRequests() {
					if _, err := mgr.Subscribe(ctx, spec, bootstrap); err != nil {
						slog.Warn("unknown-id resolution subscribe failed", "err", err)
					}
				}
				bag.Clear()
			}
		}
	}
}

func specsFromBootstrap(urls []string) []relayspec.Spec {
	specs := make([]relayspec.Spec, len(urls))
	for i, u := range urls {
		specs[i] = relayspec.Spec{URL: u, Readable: true, Writable: true}
	}
	return specs
}

// memKeyStore is a process-local accounts.KeyStore, standing in for the
// encrypted-file keystore a real client would use. The demo never persists
// keys across runs.
type memKeyStore struct {
	mu       sync.Mutex
	accounts map[string]accounts.UserAccount
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{accounts: make(map[string]accounts.UserAccount)}
}

func (k *memKeyStore) Save(a accounts.UserAccount) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accounts[a.Pubkey] = a
	return nil
}

func (k *memKeyStore) Delete(pubkey string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.accounts, pubkey)
	return nil
}

func (k *memKeyStore) List() ([]accounts.UserAccount, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]accounts.UserAccount, 0, len(k.accounts))
	for _, a := range k.accounts {
		out = append(out, a)
	}
	return out, nil
}
