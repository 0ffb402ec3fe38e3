package fileunlocker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
)

type service struct {
	filePath string
}

func NewService(filePath string) (ports.Unlocker, error) {
	if len(filePath) <= 0 {
		return nil, fmt.Errorf("missing password file path")
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("password file not found: %s", err)
	}
	return &service{filePath}, nil
}

func (s *service) GetPassword(_ context.Context) (string, error) {
	buf, err := os.ReadFile(s.filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %s", err)
	}
	password := strings.TrimSpace(string(buf))
	if len(password) <= 0 {
		return "", fmt.Errorf("password file is empty")
	}
	return password, nil
}
