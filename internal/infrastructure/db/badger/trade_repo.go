package badgerdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	tradeDir = "trades"
)

type tradeRepository struct {
	store *badgerhold.Store
}

func NewTradeRepository(baseDir string, logger badger.Logger) (domain.TradeRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, tradeDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade store: %s", err)
	}
	return &tradeRepository{store}, nil
}

func (r *tradeRepository) GetAll(ctx context.Context) ([]domain.TradeRecord, error) {
	var dataList []tradeData
	if err := r.store.Find(&dataList, nil); err != nil {
		return nil, fmt.Errorf("failed to get all trades: %w", err)
	}

	var trades []domain.TradeRecord
	for _, d := range dataList {
		trade, err := d.toTrade()
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, nil
}

func (r *tradeRepository) Get(ctx context.Context, contractAddress string) (*domain.TradeRecord, error) {
	var data tradeData
	err := r.store.Get(contractAddress, &data)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("trade %s not found", contractAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}

	trade, err := data.toTrade()
	if err != nil {
		return nil, fmt.Errorf("failed to convert data to trade: %w", err)
	}
	return trade, nil
}

// Add stores a new trade record, keyed by contract address.
func (r *tradeRepository) Add(ctx context.Context, trade domain.TradeRecord) error {
	data := toTradeData(trade)

	if err := r.store.Insert(trade.ContractAddress, data); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("trade %s already exists", trade.ContractAddress)
		}
		return err
	}
	return nil
}

func (r *tradeRepository) Update(ctx context.Context, trade domain.TradeRecord) error {
	data := toTradeData(trade)

	if err := r.store.Update(trade.ContractAddress, data); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("trade %s not found", trade.ContractAddress)
		}
		return err
	}
	return nil
}

func (r *tradeRepository) Delete(ctx context.Context, contractAddress string) error {
	if err := r.store.Delete(contractAddress, tradeData{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("trade %s not found", contractAddress)
		}
		return err
	}
	return nil
}

func (r *tradeRepository) Close() {
	// nolint:all
	r.store.Close()
}

type tradeData struct {
	ContractAddress     string
	AcctName            string
	Role                int
	TradeState          string
	NativeAmount        uint64
	ForeignAmount       uint64
	FundingAmount       uint64
	SecretA             string
	SecretB             string
	HashOfSecretA       string
	HashOfSecretB       string
	CreatorAddress      string
	PartnerAddress      string
	ReceivingAddress    string
	ForeignKey          string
	LockTimeA           int64
	LockTimeB           int64
	TradeRefundHeight   uint32
	CreationTimestamp   int64
	CompletionTimestamp int64
	PresenceExpiry      int64
	LastForeignTxid     string
	LastLedgerSignature string
}

func toTradeData(trade domain.TradeRecord) tradeData {
	return tradeData{
		ContractAddress:     trade.ContractAddress,
		AcctName:            trade.AcctName,
		Role:                int(trade.Role),
		TradeState:          string(trade.TradeState),
		NativeAmount:        trade.NativeAmount,
		ForeignAmount:       trade.ForeignAmount,
		FundingAmount:       trade.FundingAmount,
		SecretA:             hex.EncodeToString(trade.SecretA),
		SecretB:             hex.EncodeToString(trade.SecretB),
		HashOfSecretA:       hex.EncodeToString(trade.HashOfSecretA),
		HashOfSecretB:       hex.EncodeToString(trade.HashOfSecretB),
		CreatorAddress:      trade.CreatorAddress,
		PartnerAddress:      trade.PartnerAddress,
		ReceivingAddress:    trade.ReceivingAddress,
		ForeignKey:          trade.ForeignKey,
		LockTimeA:           trade.LockTimeA,
		LockTimeB:           trade.LockTimeB,
		TradeRefundHeight:   trade.TradeRefundHeight,
		CreationTimestamp:   trade.CreationTimestamp,
		CompletionTimestamp: trade.CompletionTimestamp,
		PresenceExpiry:      trade.PresenceExpiry,
		LastForeignTxid:     trade.LastForeignTxid,
		LastLedgerSignature: trade.LastLedgerSignature,
	}
}

func (d tradeData) toTrade() (*domain.TradeRecord, error) {
	secretA, err := decodeHexField("secretA", d.SecretA)
	if err != nil {
		return nil, err
	}
	secretB, err := decodeHexField("secretB", d.SecretB)
	if err != nil {
		return nil, err
	}
	hashOfSecretA, err := decodeHexField("hashOfSecretA", d.HashOfSecretA)
	if err != nil {
		return nil, err
	}
	hashOfSecretB, err := decodeHexField("hashOfSecretB", d.HashOfSecretB)
	if err != nil {
		return nil, err
	}

	return &domain.TradeRecord{
		ContractAddress:     d.ContractAddress,
		AcctName:            d.AcctName,
		Role:                domain.Role(d.Role),
		TradeState:          domain.TradeState(d.TradeState),
		NativeAmount:        d.NativeAmount,
		ForeignAmount:       d.ForeignAmount,
		FundingAmount:       d.FundingAmount,
		SecretA:             secretA,
		SecretB:             secretB,
		HashOfSecretA:       hashOfSecretA,
		HashOfSecretB:       hashOfSecretB,
		CreatorAddress:      d.CreatorAddress,
		PartnerAddress:      d.PartnerAddress,
		ReceivingAddress:    d.ReceivingAddress,
		ForeignKey:          d.ForeignKey,
		LockTimeA:           d.LockTimeA,
		LockTimeB:           d.LockTimeB,
		TradeRefundHeight:   d.TradeRefundHeight,
		CreationTimestamp:   d.CreationTimestamp,
		CompletionTimestamp: d.CompletionTimestamp,
		PresenceExpiry:      d.PresenceExpiry,
		LastForeignTxid:     d.LastForeignTxid,
		LastLedgerSignature: d.LastLedgerSignature,
	}, nil
}

func decodeHexField(name, value string) ([]byte, error) {
	if len(value) == 0 {
		return nil, nil
	}
	buf, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return buf, nil
}
