package db_test

import (
	"context"
	"testing"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	badgerdb "github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/db/badger"
	"github.com/stretchr/testify/require"
)

var (
	settingsDbs = map[string]func() (domain.SettingsRepository, error){
		"badger": func() (domain.SettingsRepository, error) {
			return badgerdb.NewSettingsRepository("", nil)
		},
	}
	tradeDbs = map[string]func() (domain.TradeRepository, error){
		"badger": func() (domain.TradeRepository, error) {
			return badgerdb.NewTradeRepository("", nil)
		},
	}
	testSettings = domain.Settings{
		FeeRateSatPerVb:         12,
		HtlcConfirmations:       2,
		ConfirmationMargin:      4,
		DeleteDelayMinutes:      90,
		PresenceLifetimeMinutes: 45,
	}
)

func TestSettingsRepo(t *testing.T) {
	repos, err := getSettingsRepos()
	require.NoError(t, err)

	for _, v := range repos {
		t.Run(v.name, func(t *testing.T) {
			testAddSettings(t, v.repo)

			testUpdateSettings(t, v.repo)

			testCleanSettings(t, v.repo)
		})
	}
}

func testAddSettings(t *testing.T, repo domain.SettingsRepository) {
	t.Run("add settings", func(t *testing.T) {
		ctx := context.Background()

		err := repo.CleanSettings(ctx)
		require.Error(t, err)

		err = repo.AddSettings(ctx, testSettings)
		require.NoError(t, err)

		err = repo.AddSettings(ctx, testSettings)
		require.Error(t, err)

		settings, err := repo.GetSettings(ctx)
		require.NoError(t, err)
		require.Equal(t, testSettings, *settings)
	})
}

func testUpdateSettings(t *testing.T, repo domain.SettingsRepository) {
	t.Run("update settings", func(t *testing.T) {
		ctx := context.Background()
		newSettings := domain.Settings{
			FeeRateSatPerVb: 25,
		}
		expectedSettings := testSettings
		expectedSettings.FeeRateSatPerVb = newSettings.FeeRateSatPerVb

		err := repo.UpdateSettings(ctx, newSettings)
		require.NoError(t, err)

		settings, err := repo.GetSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, settings)
		require.Equal(t, expectedSettings, *settings)

		newSettings = domain.Settings{
			HtlcConfirmations:  3,
			DeleteDelayMinutes: 120,
		}
		expectedSettings.HtlcConfirmations = newSettings.HtlcConfirmations
		expectedSettings.DeleteDelayMinutes = newSettings.DeleteDelayMinutes

		err = repo.UpdateSettings(ctx, newSettings)
		require.NoError(t, err)

		settings, err = repo.GetSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, settings)
		require.Equal(t, expectedSettings, *settings)
	})
}

func testCleanSettings(t *testing.T, repo domain.SettingsRepository) {
	t.Run("clean settings", func(t *testing.T) {
		ctx := context.Background()

		settings, err := repo.GetSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, settings)

		err = repo.CleanSettings(ctx)
		require.NoError(t, err)

		err = repo.CleanSettings(ctx)
		require.Error(t, err)
	})
}

func TestTradeRepo(t *testing.T) {
	repos, err := getTradeRepos()
	require.NoError(t, err)

	for _, v := range repos {
		t.Run(v.name, func(t *testing.T) {
			ctx := context.Background()
			trade := newTestTrade()

			trades, err := v.repo.GetAll(ctx)
			require.NoError(t, err)
			require.Empty(t, trades)

			got, err := v.repo.Get(ctx, trade.ContractAddress)
			require.Error(t, err)
			require.Nil(t, got)

			err = v.repo.Add(ctx, trade)
			require.NoError(t, err)

			err = v.repo.Add(ctx, trade)
			require.Error(t, err)
			require.Contains(t, err.Error(), "already exists")

			got, err = v.repo.Get(ctx, trade.ContractAddress)
			require.NoError(t, err)
			require.Equal(t, trade, *got)

			trade.TradeState = domain.StateAtDeployed
			trade.LastLedgerSignature = ""
			err = v.repo.Update(ctx, trade)
			require.NoError(t, err)

			got, err = v.repo.Get(ctx, trade.ContractAddress)
			require.NoError(t, err)
			require.Equal(t, domain.StateAtDeployed, got.TradeState)
			require.Empty(t, got.LastLedgerSignature)

			trades, err = v.repo.GetAll(ctx)
			require.NoError(t, err)
			require.Len(t, trades, 1)

			err = v.repo.Delete(ctx, trade.ContractAddress)
			require.NoError(t, err)

			err = v.repo.Delete(ctx, trade.ContractAddress)
			require.Error(t, err)

			trades, err = v.repo.GetAll(ctx)
			require.NoError(t, err)
			require.Empty(t, trades)
		})
	}
}

func newTestTrade() domain.TradeRecord {
	secretA := make([]byte, 32)
	hashA := make([]byte, 20)
	hashB := make([]byte, 20)
	for i := range secretA {
		secretA[i] = byte(i)
	}
	for i := range hashA {
		hashA[i] = byte(i + 1)
		hashB[i] = byte(i + 2)
	}
	return domain.TradeRecord{
		ContractAddress:     "AcontractAddress111111111111111111",
		AcctName:            "AQUILA-BTC-v2",
		Role:                domain.RoleInitiator,
		TradeState:          domain.StateAtDeploying,
		NativeAmount:        100_000_000,
		ForeignAmount:       50_000,
		FundingAmount:       100_250_000,
		SecretA:             secretA,
		HashOfSecretA:       hashA,
		HashOfSecretB:       hashB,
		CreatorAddress:      "AcreatorAddress1111111111111111111",
		ForeignKey:          "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi",
		LockTimeA:           1_700_000_000,
		LockTimeB:           1_700_003_600,
		CreationTimestamp:   1_699_990_000,
		PresenceExpiry:      1_699_991_800,
		LastLedgerSignature: "deploysig",
	}
}

type settingsDb struct {
	name string
	repo domain.SettingsRepository
}

func getSettingsRepos() ([]settingsDb, error) {
	var repos []settingsDb
	for dbName, factory := range settingsDbs {
		repo, err := factory()
		if err != nil {
			return nil, err
		}
		repos = append(repos, settingsDb{dbName, repo})
	}
	return repos, nil
}

type tradeDb struct {
	name string
	repo domain.TradeRepository
}

func getTradeRepos() ([]tradeDb, error) {
	var repos []tradeDb
	for dbName, factory := range tradeDbs {
		repo, err := factory()
		if err != nil {
			return nil, err
		}
		repos = append(repos, tradeDb{dbName, repo})
	}
	return repos, nil
}
