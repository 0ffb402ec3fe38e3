package ports

import "github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"

type RepoManager interface {
	Trades() domain.TradeRepository
	Settings() domain.SettingsRepository
	Close()
}
