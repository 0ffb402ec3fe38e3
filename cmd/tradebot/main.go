package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/AquilaNetwork/aquila-tradebot/internal/config"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/application"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/db"
	"github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/esplora"
	"github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/ledger"
	scheduler "github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/scheduler/gocron"
	"github.com/AquilaNetwork/aquila-tradebot/utils"
	log "github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const mnemonicFile = "mnemonic.enc"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	log.Info("starting tradebot...")

	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   "badger",
		DbConfig: []any{cfg.Datadir, log.New()},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	ctx := context.Background()
	settings, err := dbSvc.Settings().GetSettings(ctx)
	if err != nil || settings == nil || settings.FeeRateSatPerVb == 0 {
		if err := dbSvc.Settings().AddDefaultSettings(ctx); err != nil {
			log.WithError(err).Fatal("failed to init settings")
		}
		settings, err = dbSvc.Settings().GetSettings(ctx)
		if err != nil {
			log.WithError(err).Fatal("failed to load settings")
		}
	}

	masterKey, err := loadMasterKey(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to unlock wallet")
	}

	netParams, err := cfg.NetParams()
	if err != nil {
		log.WithError(err).Fatal("invalid network")
	}

	walletKey, err := utils.DeriveTradeKey(masterKey, 0)
	if err != nil {
		log.WithError(err).Fatal("failed to derive wallet key")
	}
	signingKey, err := utils.SigningKey(walletKey)
	if err != nil {
		log.WithError(err).Fatal("failed to derive wallet key")
	}

	btcSvc, err := esplora.NewService(
		cfg.EsploraURL, signingKey, netParams, settings.FeeRateSatPerVb,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init esplora service")
	}

	ledgerSvc, err := ledger.NewService(cfg.LedgerURL, cfg.LedgerAPIKey)
	if err != nil {
		log.WithError(err).Fatal("failed to init ledger service")
	}

	buildInfo := application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	appSvc, err := application.NewService(
		buildInfo,
		application.Config{
			OwnAddress: cfg.LedgerAddress,
			NetParams:  netParams,
			MasterKey:  masterKey,
		},
		dbSvc, ledgerSvc,
		map[string]ports.ForeignService{
			"BTC": btcSvc,
		},
	)
	if err != nil {
		log.WithError(err).Fatal(err)
	}

	schedulerSvc := scheduler.NewScheduler(appSvc, dbSvc, cfg.PollInterval)

	log.Info("starting scheduler...")
	schedulerSvc.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down...")
	schedulerSvc.Stop()
	dbSvc.Close()
	log.Exit(0)
}

// loadMasterKey decrypts the stored wallet seed, creating and storing a
// fresh one on first run.
func loadMasterKey(ctx context.Context, cfg *config.Config) (*bip32.Key, error) {
	unlocker := cfg.UnlockerService()
	if unlocker == nil {
		return nil, fmt.Errorf("no unlocker configured, set TRADEBOT_UNLOCKER_TYPE")
	}
	password, err := unlocker.GetPassword(ctx)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.Datadir, mnemonicFile)
	if buf, err := os.ReadFile(path); err == nil {
		plaintext, err := utils.DecryptWithPassword(buf, password)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt wallet seed: %s", err)
		}
		mnemonic := strings.TrimSpace(string(plaintext))
		if err := utils.IsValidMnemonic(mnemonic); err != nil {
			return nil, err
		}
		return utils.MasterKeyFromMnemonic(mnemonic)
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	encrypted, err := utils.EncryptWithPassword([]byte(mnemonic), password)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encrypted, 0600); err != nil {
		return nil, fmt.Errorf("failed to store wallet seed: %s", err)
	}
	log.Infof("generated new wallet seed at %s", path)

	return utils.MasterKeyFromMnemonic(mnemonic)
}
