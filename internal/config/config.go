package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	envunlocker "github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/unlocker/env"
	fileunlocker "github.com/AquilaNetwork/aquila-tradebot/internal/infrastructure/unlocker/file"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

type Config struct {
	Datadir          string
	LogLevel         uint32
	LedgerURL        string
	LedgerAPIKey     string
	LedgerAddress    string
	EsploraURL       string
	ForeignNetwork   string
	PollInterval     time.Duration
	UnlockerType     string
	UnlockerFilePath string
	UnlockerPassword string

	unlocker ports.Unlocker
}

var (
	Datadir        = "DATADIR"
	LogLevel       = "LOG_LEVEL"
	LedgerURL      = "LEDGER_URL"
	LedgerAPIKey   = "LEDGER_API_KEY"
	LedgerAddress  = "LEDGER_ADDRESS"
	EsploraURL     = "ESPLORA_URL"
	ForeignNetwork = "FOREIGN_NETWORK"
	PollInterval   = "POLL_INTERVAL"

	// Unlocker configuration
	UnlockerType     = "UNLOCKER_TYPE"
	UnlockerFilePath = "UNLOCKER_FILE_PATH"
	UnlockerPassword = "UNLOCKER_PASSWORD"

	defaultDatadir        = appDatadir("aquila-tradebot", false)
	defaultLogLevel       = 4
	defaultLedgerURL      = "http://localhost:12391"
	defaultEsploraURL     = "https://blockstream.info/api"
	defaultForeignNetwork = "bitcoin"
	defaultPollInterval   = 10 * time.Second
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("TRADEBOT")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(LedgerURL, defaultLedgerURL)
	viper.SetDefault(EsploraURL, defaultEsploraURL)
	viper.SetDefault(ForeignNetwork, defaultForeignNetwork)
	viper.SetDefault(PollInterval, defaultPollInterval)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	config := &Config{
		Datadir:          cleanAndExpandPath(viper.GetString(Datadir)),
		LogLevel:         viper.GetUint32(LogLevel),
		LedgerURL:        viper.GetString(LedgerURL),
		LedgerAPIKey:     viper.GetString(LedgerAPIKey),
		LedgerAddress:    viper.GetString(LedgerAddress),
		EsploraURL:       viper.GetString(EsploraURL),
		ForeignNetwork:   viper.GetString(ForeignNetwork),
		PollInterval:     viper.GetDuration(PollInterval),
		UnlockerType:     viper.GetString(UnlockerType),
		UnlockerFilePath: viper.GetString(UnlockerFilePath),
		UnlockerPassword: viper.GetString(UnlockerPassword),
	}

	if len(config.LedgerAddress) == 0 {
		return nil, fmt.Errorf("missing TRADEBOT_LEDGER_ADDRESS")
	}
	if _, err := config.NetParams(); err != nil {
		return nil, err
	}

	if err := config.initUnlockerService(); err != nil {
		return nil, err
	}

	return config, nil
}

// NetParams maps the configured foreign network name to its chain params.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch c.ForeignNetwork {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown foreign network %s", c.ForeignNetwork)
	}
}

func (c *Config) UnlockerService() ports.Unlocker {
	return c.unlocker
}

func (c *Config) initUnlockerService() error {
	if len(c.UnlockerType) <= 0 {
		return nil
	}

	var svc ports.Unlocker
	var err error
	switch c.UnlockerType {
	case "file":
		svc, err = fileunlocker.NewService(c.UnlockerFilePath)
	case "env":
		svc, err = envunlocker.NewService(c.UnlockerPassword)
	default:
		err = fmt.Errorf("unknown unlocker type")
	}
	if err != nil {
		return err
	}
	c.unlocker = svc
	return nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns an operating system specific directory to be used for
// storing application data for an application.
func appDatadir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	// The caller really shouldn't prepend the appName with a period, but
	// if they do, handle it gracefully by trimming it.
	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	// Get the OS specific home directory via the Go standard lib.
	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}

	// Fall back to standard HOME environment variable that works
	// for most POSIX OSes if the directory from the Go standard
	// lib failed.
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	goos := runtime.GOOS
	switch goos {
	// Attempt to use the LOCALAPPDATA or APPDATA environment variable on
	// Windows.
	case "windows":
		// Windows XP and before didn't have a LOCALAPPDATA, so fallback
		// to regular APPDATA when LOCALAPPDATA is not set.
		appData := os.Getenv("LOCALAPPDATA")
		if roaming || appData == "" {
			appData = os.Getenv("APPDATA")
		}

		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appNameUpper)
		}

	case "plan9":
		if homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	// Fall back to the current directory if all else fails.
	return "."
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
