package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	requestTimeout = 15 * time.Second

	// vbyte estimate for a P2PKH spend: fixed overhead plus per-input cost.
	baseSendSize     = 78
	perInputSendSize = 148
	dustLimit        = 546
)

type service struct {
	baseUrl string
	client  *http.Client

	walletKey  *btcec.PrivateKey
	walletAddr btcutil.Address
	netParams  *chaincfg.Params
	feeRate    int64
}

// NewService returns a ports.ForeignService backed by an Esplora REST
// endpoint. The wallet key funds SendToAddress and answers Balance; all
// other calls are plain chain queries.
func NewService(
	url string, walletKey *btcec.PrivateKey, netParams *chaincfg.Params, feeRate int64,
) (ports.ForeignService, error) {
	if len(url) == 0 {
		return nil, fmt.Errorf("missing esplora url")
	}
	if walletKey == nil {
		return nil, fmt.Errorf("missing wallet key")
	}
	if netParams == nil {
		return nil, fmt.Errorf("missing network params")
	}
	if feeRate <= 0 {
		return nil, fmt.Errorf("invalid fee rate %d", feeRate)
	}

	pkh := btcutil.Hash160(walletKey.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkh, netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet address: %w", err)
	}

	return &service{
		baseUrl:    strings.TrimRight(url, "/"),
		client:     &http.Client{Timeout: requestTimeout},
		walletKey:  walletKey,
		walletAddr: addr,
		netParams:  netParams,
		feeRate:    feeRate,
	}, nil
}

func (s *service) TipHeight(ctx context.Context) (uint32, error) {
	b, err := s.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}
	return uint32(n), nil
}

func (s *service) TipTime(ctx context.Context) (int64, error) {
	b, err := s.get(ctx, "/blocks/tip/hash")
	if err != nil {
		return 0, err
	}
	blockHash := strings.TrimSpace(string(b))

	b, err = s.get(ctx, "/block/"+blockHash)
	if err != nil {
		return 0, err
	}

	var block struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &block); err != nil {
		return 0, fmt.Errorf("parse block: %w", err)
	}
	return block.Timestamp, nil
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
}

func (s *service) ListUnspent(ctx context.Context, address string) ([]ports.Utxo, error) {
	b, err := s.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}

	var list []struct {
		Txid   string   `json:"txid"`
		Vout   uint32   `json:"vout"`
		Value  int64    `json:"value"`
		Status txStatus `json:"status"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse utxos: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	tip, err := s.TipHeight(ctx)
	if err != nil {
		return nil, err
	}

	utxos := make([]ports.Utxo, 0, len(list))
	for _, u := range list {
		utxos = append(utxos, ports.Utxo{
			TxID:          u.Txid,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations(u.Status, tip),
		})
	}
	return utxos, nil
}

func (s *service) AddressTransactions(ctx context.Context, address string) ([][]byte, error) {
	b, err := s.get(ctx, "/address/"+address+"/txs")
	if err != nil {
		return nil, err
	}

	var list []struct {
		Txid string `json:"txid"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse txs: %w", err)
	}

	rawTxs := make([][]byte, 0, len(list))
	for _, tx := range list {
		raw, err := s.get(ctx, "/tx/"+tx.Txid+"/raw")
		if err != nil {
			return nil, err
		}
		rawTxs = append(rawTxs, raw)
	}
	return rawTxs, nil
}

func (s *service) TxConfirmations(ctx context.Context, txid string) (uint32, error) {
	b, err := s.get(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return 0, err
	}

	var status txStatus
	if err := json.Unmarshal(b, &status); err != nil {
		return 0, fmt.Errorf("parse tx status: %w", err)
	}
	if !status.Confirmed {
		return 0, nil
	}

	tip, err := s.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return confirmations(status, tip), nil
}

func (s *service) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	url := s.baseUrl + "/tx"
	body := strings.NewReader(hex.EncodeToString(rawTx))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *service) Balance(ctx context.Context) (int64, error) {
	utxos, err := s.ListUnspent(ctx, s.walletAddr.EncodeAddress())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

// SendToAddress funds the given address from the wallet with a signed
// P2PKH spend. Change below the dust limit is left to the miners.
func (s *service) SendToAddress(ctx context.Context, address string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("invalid amount %d", amount)
	}

	payTo, err := btcutil.DecodeAddress(address, s.netParams)
	if err != nil {
		return "", fmt.Errorf("invalid address %s: %w", address, err)
	}
	payScript, err := txscript.PayToAddrScript(payTo)
	if err != nil {
		return "", err
	}
	walletScript, err := txscript.PayToAddrScript(s.walletAddr)
	if err != nil {
		return "", err
	}

	utxos, err := s.ListUnspent(ctx, s.walletAddr.EncodeAddress())
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(amount, payScript))

	var inValue int64
	size := int64(baseSendSize)
	for _, u := range utxos {
		if u.Confirmations == 0 {
			continue
		}
		txHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("invalid utxo txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txHash, u.Vout), nil, nil))
		inValue += u.Amount
		size += perInputSendSize

		if inValue >= amount+s.feeRate*size {
			break
		}
	}

	fee := s.feeRate * size
	change := inValue - amount - fee
	if change < 0 {
		return "", fmt.Errorf("insufficient wallet funds: have %d, need %d", inValue, amount+fee)
	}
	if change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, walletScript))
	}

	for i := range tx.TxIn {
		sig, err := txscript.RawTxInSignature(
			tx, i, walletScript, txscript.SigHashAll, s.walletKey,
		)
		if err != nil {
			return "", fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		sigScript, err := txscript.NewScriptBuilder().
			AddData(sig).
			AddData(s.walletKey.PubKey().SerializeCompressed()).
			Script()
		if err != nil {
			return "", err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return s.Broadcast(ctx, buf.Bytes())
}

func (s *service) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseUrl+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func confirmations(status txStatus, tip uint32) uint32 {
	if !status.Confirmed || status.BlockHeight > tip {
		return 0
	}
	return tip - status.BlockHeight + 1
}
