package domain

import "context"

type Settings struct {
	FeeRateSatPerVb         int64
	HtlcConfirmations       uint32
	ConfirmationMargin      uint32
	DeleteDelayMinutes      uint32
	PresenceLifetimeMinutes uint32
}

type SettingsRepository interface {
	AddDefaultSettings(ctx context.Context) error
	AddSettings(ctx context.Context, settings Settings) error
	GetSettings(ctx context.Context) (*Settings, error)
	CleanSettings(ctx context.Context) error
	UpdateSettings(ctx context.Context, settings Settings) error
	Close()
}
