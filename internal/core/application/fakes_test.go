package application

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/acct"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/htlc"
	"github.com/btcsuite/btcd/wire"
)

// fakeLedger emulates the contract machine of the native chain: deploys,
// mode transitions driven by messages, and explicit height control.
type fakeLedger struct {
	mu        sync.Mutex
	height    uint32
	contracts map[string]*fakeContract
	sigs      map[string]uint32
	nextID    int
}

type fakeContract struct {
	creation     []byte
	mode         acct.Mode
	refundHeight uint32
	partner      *acct.AssignPartnerArgs
	balance      uint64
	view         *acct.CrossChainTradeData
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		height:    100,
		contracts: make(map[string]*fakeContract),
		sigs:      make(map[string]uint32),
	}
}

func (l *fakeLedger) DeployContract(
	_ context.Context, creationBytes []byte, fundingAmount uint64,
) (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	addr := fmt.Sprintf("Acontract%04d", l.nextID)

	view, err := acct.ParseState(addr, creationBytes, offeringData(), fundingAmount)
	if err != nil {
		return "", "", err
	}
	l.contracts[addr] = &fakeContract{
		creation: creationBytes,
		mode:     acct.ModeOffering,
		balance:  fundingAmount,
		view:     view,
	}
	return addr, l.newSig(), nil
}

func (l *fakeLedger) SendMessage(
	_ context.Context, contractAddress string, payload []byte,
) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.contracts[contractAddress]
	if !ok {
		return "", ports.ErrContractNotFound
	}

	if acct.IsCancel(payload) {
		if c.mode != acct.ModeOffering {
			return "", ports.ErrMessageRejected
		}
		c.mode = acct.ModeCancelled
		return l.newSig(), nil
	}

	if assign, err := acct.ParseAssignPartner(payload); err == nil {
		if c.mode != acct.ModeOffering {
			return "", ports.ErrMessageRejected
		}
		if !bytes.Equal(assign.HashOfSecretA, c.view.HashOfSecretA) {
			return "", ports.ErrMessageRejected
		}
		c.mode = acct.ModeTrading
		c.partner = assign
		c.refundHeight = l.height + c.view.TradeTimeoutMinutes
		return l.newSig(), nil
	}

	if redeem, err := acct.ParseRedeem(payload); err == nil {
		if c.mode != acct.ModeTrading {
			return "", ports.ErrMessageRejected
		}
		if !htlc.VerifySecret(c.view.HashOfSecretA, redeem.Secret) &&
			!htlc.VerifySecret(c.view.HashOfSecretB, redeem.Secret) {
			return "", ports.ErrMessageRejected
		}
		c.mode = acct.ModeRedeemed
		c.balance = 0
		return l.newSig(), nil
	}

	return "", ports.ErrMessageRejected
}

func (l *fakeLedger) GetContractState(
	_ context.Context, contractAddress string,
) (*ports.ContractState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.contracts[contractAddress]
	if !ok {
		return nil, ports.ErrContractNotFound
	}
	data, err := acct.SerializeState(c.mode, c.refundHeight, c.partner)
	if err != nil {
		return nil, err
	}
	return &ports.ContractState{
		CreationBytes: c.creation,
		DataBytes:     data,
		Balance:       c.balance,
	}, nil
}

func (l *fakeLedger) TransactionConfirmations(_ context.Context, signature string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sigs[signature], nil
}

func (l *fakeLedger) ChainHeight(_ context.Context) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *fakeLedger) AccountBalance(_ context.Context, _ string) (uint64, error) {
	return 1_000_000_000, nil
}

func (l *fakeLedger) newSig() string {
	sig := fmt.Sprintf("lsig%04d", len(l.sigs)+1)
	l.sigs[sig] = 1
	return sig
}

func (l *fakeLedger) setHeight(h uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height = h
}

// refund flips a TRADING contract whose refund height passed, the way the
// contract machine does on its own when the native chain reaches it.
func (l *fakeLedger) refund(contractAddress string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.contracts[contractAddress]
	if c.mode == acct.ModeTrading && l.height >= c.refundHeight {
		c.mode = acct.ModeRefunded
		c.balance = 0
	}
}

func (l *fakeLedger) mode(contractAddress string) acct.Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contracts[contractAddress].mode
}

func offeringData() []byte {
	data, _ := acct.SerializeState(acct.ModeOffering, 0, nil)
	return data
}

// fakeForeign emulates a miniature UTXO chain: wallet sends, raw
// broadcasts, per-address unspents and a block clock under test control.
type fakeForeign struct {
	mu        sync.Mutex
	tipHeight uint32
	tipTime   int64
	balance   int64

	utxos      []*fakeUtxo
	broadcasts [][]byte
	txHeights  map[string]uint32 // txid -> mined height, 0 while pending

	sendCount      int
	broadcastCount int
	nextTx         int
}

type fakeUtxo struct {
	addr        string
	txid        string
	vout        uint32
	amount      int64
	minedHeight uint32
}

func newFakeForeign() *fakeForeign {
	return &fakeForeign{
		tipHeight: 800_000,
		tipTime:   1_700_000_000,
		balance:   10_000_000,
		txHeights: make(map[string]uint32),
	}
}

func (f *fakeForeign) TipTime(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tipTime, nil
}

func (f *fakeForeign) TipHeight(_ context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tipHeight, nil
}

func (f *fakeForeign) ListUnspent(_ context.Context, address string) ([]ports.Utxo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ports.Utxo
	for _, u := range f.utxos {
		if u.addr != address {
			continue
		}
		out = append(out, ports.Utxo{
			TxID:          u.txid,
			Vout:          u.vout,
			Amount:        u.amount,
			Confirmations: f.confs(u.minedHeight),
		})
	}
	return out, nil
}

func (f *fakeForeign) AddressTransactions(_ context.Context, _ string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.broadcasts...), nil
}

func (f *fakeForeign) TxConfirmations(_ context.Context, txid string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs(f.txHeights[txid]), nil
}

func (f *fakeForeign) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := wire.NewMsgTx(0)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}
	txid := tx.TxHash().String()

	// spend the referenced outpoints
	kept := f.utxos[:0]
	for _, u := range f.utxos {
		spent := false
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint.Hash.String() == u.txid && in.PreviousOutPoint.Index == u.vout {
				spent = true
				break
			}
		}
		if !spent {
			kept = append(kept, u)
		}
	}
	f.utxos = kept

	f.broadcasts = append(f.broadcasts, rawTx)
	f.txHeights[txid] = 0
	f.broadcastCount++
	return txid, nil
}

func (f *fakeForeign) SendToAddress(_ context.Context, address string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if amount > f.balance {
		return "", fmt.Errorf("insufficient funds")
	}
	f.balance -= amount

	f.nextTx++
	txid := fmt.Sprintf("%064x", f.nextTx)
	f.utxos = append(f.utxos, &fakeUtxo{addr: address, txid: txid, vout: 0, amount: amount})
	f.txHeights[txid] = 0
	f.sendCount++
	return txid, nil
}

func (f *fakeForeign) Balance(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

// mine confirms every pending transaction in a new block.
func (f *fakeForeign) mine() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tipHeight++
	f.tipTime += 600
	for txid, h := range f.txHeights {
		if h == 0 {
			f.txHeights[txid] = f.tipHeight
		}
	}
	for _, u := range f.utxos {
		if u.minedHeight == 0 {
			u.minedHeight = f.tipHeight
		}
	}
}

func (f *fakeForeign) setTipTime(t int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tipTime = t
}

func (f *fakeForeign) confs(minedHeight uint32) uint32 {
	if minedHeight == 0 || minedHeight > f.tipHeight {
		return 0
	}
	return f.tipHeight - minedHeight + 1
}

// in-memory repositories

type fakeTradeRepo struct {
	mu     sync.Mutex
	trades map[string]domain.TradeRecord
}

func newFakeTradeRepo() *fakeTradeRepo {
	return &fakeTradeRepo{trades: make(map[string]domain.TradeRecord)}
}

func (r *fakeTradeRepo) GetAll(_ context.Context) ([]domain.TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TradeRecord, 0, len(r.trades))
	for _, t := range r.trades {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTradeRepo) Get(_ context.Context, contractAddress string) (*domain.TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[contractAddress]
	if !ok {
		return nil, fmt.Errorf("trade %s not found", contractAddress)
	}
	return &t, nil
}

func (r *fakeTradeRepo) Add(_ context.Context, record domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[record.ContractAddress]; ok {
		return fmt.Errorf("trade %s already exists", record.ContractAddress)
	}
	r.trades[record.ContractAddress] = record
	return nil
}

func (r *fakeTradeRepo) Update(_ context.Context, record domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[record.ContractAddress]; !ok {
		return fmt.Errorf("trade %s not found", record.ContractAddress)
	}
	r.trades[record.ContractAddress] = record
	return nil
}

func (r *fakeTradeRepo) Delete(_ context.Context, contractAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[contractAddress]; !ok {
		return fmt.Errorf("trade %s not found", contractAddress)
	}
	delete(r.trades, contractAddress)
	return nil
}

func (r *fakeTradeRepo) Close() {}

type fakeSettingsRepo struct {
	settings domain.Settings
	err      error
}

func (r *fakeSettingsRepo) AddDefaultSettings(_ context.Context) error { return nil }

func (r *fakeSettingsRepo) AddSettings(_ context.Context, s domain.Settings) error {
	r.settings = s
	return nil
}

func (r *fakeSettingsRepo) GetSettings(_ context.Context) (*domain.Settings, error) {
	if r.err != nil {
		return nil, r.err
	}
	s := r.settings
	return &s, nil
}

func (r *fakeSettingsRepo) CleanSettings(_ context.Context) error { return nil }

func (r *fakeSettingsRepo) UpdateSettings(_ context.Context, s domain.Settings) error {
	r.settings = s
	return nil
}

func (r *fakeSettingsRepo) Close() {}

type fakeRepoManager struct {
	trades   *fakeTradeRepo
	settings *fakeSettingsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		trades: newFakeTradeRepo(),
		settings: &fakeSettingsRepo{settings: domain.Settings{
			FeeRateSatPerVb:         10,
			HtlcConfirmations:       1,
			ConfirmationMargin:      3,
			DeleteDelayMinutes:      60,
			PresenceLifetimeMinutes: 30,
		}},
	}
}

func (m *fakeRepoManager) Trades() domain.TradeRepository { return m.trades }

func (m *fakeRepoManager) Settings() domain.SettingsRepository { return m.settings }

func (m *fakeRepoManager) Close() {}
