package application

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/acct"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/htlc"
	"github.com/AquilaNetwork/aquila-tradebot/utils"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip32"
)

// ResponseResult is the outcome of StartResponse. Only ResponseOK means a
// trade record now exists.
type ResponseResult int

const (
	ResponseOK ResponseResult = iota
	ResponseBalanceIssue
	ResponseNetworkIssue
	ResponseTradeAlreadyExists
)

func (r ResponseResult) String() string {
	switch r {
	case ResponseOK:
		return "OK"
	case ResponseBalanceIssue:
		return "BALANCE_ISSUE"
	case ResponseNetworkIssue:
		return "NETWORK_ISSUE"
	case ResponseTradeAlreadyExists:
		return "TRADE_ALREADY_EXISTS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

var (
	// ErrTradeNotCancellable is returned when a user cancel arrives after
	// funds are committed. From TRADING on, the only exits are the redeem
	// and refund paths baked into the contracts.
	ErrTradeNotCancellable = errors.New("trade can no longer be cancelled")

	// ErrCorruptRecord marks an invariant violation in persisted state.
	// The record is left in place for inspection or the refund path.
	ErrCorruptRecord = errors.New("corrupt trade record")
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Config struct {
	// OwnAddress is this node's ledger account, the creator or partner
	// address recorded in contracts we take part in.
	OwnAddress string
	NetParams  *chaincfg.Params
	MasterKey  *bip32.Key
}

// Service is the trade-bot controller. It owns every persisted trade
// record: one tick per trade per sweep, one writer per record.
type Service struct {
	BuildInfo BuildInfo

	cfg         Config
	repoManager ports.RepoManager
	ledger      ports.LedgerService
	foreignSvcs map[string]ports.ForeignService

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(
	buildInfo BuildInfo,
	cfg Config,
	repoManager ports.RepoManager,
	ledgerSvc ports.LedgerService,
	foreignSvcs map[string]ports.ForeignService,
) (*Service, error) {
	if cfg.OwnAddress == "" {
		return nil, fmt.Errorf("missing own ledger address")
	}
	if cfg.NetParams == nil {
		return nil, fmt.Errorf("missing foreign chain params")
	}
	if cfg.MasterKey == nil {
		return nil, fmt.Errorf("missing master key")
	}
	if ledgerSvc == nil || repoManager == nil {
		return nil, fmt.Errorf("missing ledger or repository service")
	}
	return &Service{
		BuildInfo:   buildInfo,
		cfg:         cfg,
		repoManager: repoManager,
		ledger:      ledgerSvc,
		foreignSvcs: foreignSvcs,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// lockTrade serializes work per contract address. Different trades may
// progress concurrently; two ticks of the same trade may not.
func (s *Service) lockTrade(contractAddress string) func() {
	s.mu.Lock()
	l, ok := s.locks[contractAddress]
	if !ok {
		l = &sync.Mutex{}
		s.locks[contractAddress] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) foreign(acctName string) (ports.ForeignService, *acct.Variant, error) {
	variant, err := acct.GetVariant(acctName)
	if err != nil {
		return nil, nil, err
	}
	svc, ok := s.foreignSvcs[variant.ForeignChain]
	if !ok {
		return nil, nil, fmt.Errorf("no client for foreign chain %s", variant.ForeignChain)
	}
	return svc, variant, nil
}

func (s *Service) settings(ctx context.Context) (*domain.Settings, error) {
	return s.repoManager.Settings().GetSettings(ctx)
}

type CreateTradeRequest struct {
	AcctName            string
	NativeAmount        uint64
	ForeignAmount       uint64
	FundingAmount       uint64
	TradeTimeoutMinutes uint32
}

// CreateTrade deploys a new offering contract and persists the initiator's
// trade record. The returned contract address is the trade's identity.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (string, error) {
	if _, _, err := s.foreign(req.AcctName); err != nil {
		return "", err
	}

	keyIndex, err := randomKeyIndex()
	if err != nil {
		return "", err
	}
	tradeKey, err := utils.DeriveTradeKey(s.cfg.MasterKey, keyIndex)
	if err != nil {
		return "", fmt.Errorf("derive trade key: %w", err)
	}
	foreignPKH, err := utils.PubKeyHash(tradeKey)
	if err != nil {
		return "", err
	}

	secretA, err := randomSecret()
	if err != nil {
		return "", err
	}
	secretB, err := randomSecret()
	if err != nil {
		return "", err
	}

	creationBytes, err := acct.BuildDeploy(acct.DeployArgs{
		AcctName:            req.AcctName,
		CreatorAddress:      s.cfg.OwnAddress,
		CreatorForeignPKH:   foreignPKH,
		HashOfSecretA:       htlc.HashSecret(secretA),
		HashOfSecretB:       htlc.HashSecret(secretB),
		NativeAmount:        req.NativeAmount,
		ForeignAmount:       req.ForeignAmount,
		FundingAmount:       req.FundingAmount,
		TradeTimeoutMinutes: req.TradeTimeoutMinutes,
	})
	if err != nil {
		return "", err
	}

	contractAddress, signature, err := s.ledger.DeployContract(ctx, creationBytes, req.FundingAmount)
	if err != nil {
		return "", fmt.Errorf("deploy contract: %w", err)
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return "", err
	}

	now := s.now().Unix()
	record := domain.TradeRecord{
		ContractAddress:     contractAddress,
		AcctName:            req.AcctName,
		Role:                domain.RoleInitiator,
		TradeState:          domain.StateAtDeploying,
		NativeAmount:        req.NativeAmount,
		ForeignAmount:       req.ForeignAmount,
		FundingAmount:       req.FundingAmount,
		SecretA:             secretA,
		SecretB:             secretB,
		HashOfSecretA:       htlc.HashSecret(secretA),
		HashOfSecretB:       htlc.HashSecret(secretB),
		CreatorAddress:      s.cfg.OwnAddress,
		ForeignKey:          tradeKey.B58Serialize(),
		CreationTimestamp:   now,
		PresenceExpiry:      now + int64(settings.PresenceLifetimeMinutes)*60,
		LastLedgerSignature: signature,
	}
	if err := s.repoManager.Trades().Add(ctx, record); err != nil {
		return "", fmt.Errorf("persist trade record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": contractAddress,
		"acct":     req.AcctName,
		"native":   req.NativeAmount,
		"foreign":  req.ForeignAmount,
	}).Info("trade offer deployed")
	return contractAddress, nil
}

type StartResponseRequest struct {
	ContractAddress  string
	ForeignKey       string // optional serialized extended key; derived when empty
	ReceivingAddress string
}

// StartResponse attempts to become the trade partner of an open offer.
// Exactly one responder wins the assignment race; everyone else gets
// ResponseTradeAlreadyExists.
func (s *Service) StartResponse(ctx context.Context, req StartResponseRequest) (ResponseResult, error) {
	if req.ReceivingAddress == "" {
		return ResponseNetworkIssue, fmt.Errorf("receiving address is required")
	}

	unlock := s.lockTrade(req.ContractAddress)
	defer unlock()

	if existing, _ := s.repoManager.Trades().Get(ctx, req.ContractAddress); existing != nil {
		return ResponseTradeAlreadyExists, fmt.Errorf("already responding to %s", req.ContractAddress)
	}

	view, err := s.GetTradeView(ctx, req.ContractAddress)
	if err != nil {
		if errors.Is(err, ports.ErrContractNotFound) {
			return ResponseNetworkIssue, err
		}
		return ResponseNetworkIssue, fmt.Errorf("fetch offer: %w", err)
	}
	if view.Mode != acct.ModeOffering {
		return ResponseTradeAlreadyExists, fmt.Errorf("contract %s is %s", req.ContractAddress, view.Mode)
	}

	foreignSvc, _, err := s.foreign(view.AcctName)
	if err != nil {
		return ResponseNetworkIssue, err
	}

	balance, err := foreignSvc.Balance(ctx)
	if err != nil {
		return ResponseNetworkIssue, fmt.Errorf("foreign balance: %w", err)
	}
	if uint64(balance) < view.ForeignAmount {
		return ResponseBalanceIssue, fmt.Errorf("foreign balance %d below required %d", balance, view.ForeignAmount)
	}

	// Everything that can still fail locally happens before the
	// assignment is sent; a won race must always leave a record behind.
	settings, err := s.settings(ctx)
	if err != nil {
		return ResponseNetworkIssue, err
	}

	var tradeKey *bip32.Key
	if req.ForeignKey != "" {
		tradeKey, err = utils.ParseExtendedKey(req.ForeignKey)
	} else {
		var keyIndex uint32
		if keyIndex, err = randomKeyIndex(); err == nil {
			tradeKey, err = utils.DeriveTradeKey(s.cfg.MasterKey, keyIndex)
		}
	}
	if err != nil {
		return ResponseNetworkIssue, fmt.Errorf("trade key: %w", err)
	}
	foreignPKH, err := utils.PubKeyHash(tradeKey)
	if err != nil {
		return ResponseNetworkIssue, err
	}

	tipTime, err := foreignSvc.TipTime(ctx)
	if err != nil {
		return ResponseNetworkIssue, fmt.Errorf("foreign tip time: %w", err)
	}
	// The HTLC refund unlocks halfway through the trade timeout, leaving
	// the initiator no window to redeem after the contract refund height.
	lockTimeA := tipTime + int64(view.TradeTimeoutMinutes)*60/2
	lockTimeB := tipTime + int64(view.TradeTimeoutMinutes)*60

	payload, err := acct.BuildAssignPartner(acct.AssignPartnerArgs{
		PartnerAddress:    s.cfg.OwnAddress,
		PartnerForeignPKH: foreignPKH,
		ReceivingAddress:  req.ReceivingAddress,
		HashOfSecretA:     view.HashOfSecretA,
		LockTimeA:         lockTimeA,
		LockTimeB:         lockTimeB,
	})
	if err != nil {
		return ResponseNetworkIssue, err
	}

	signature, err := s.ledger.SendMessage(ctx, req.ContractAddress, payload)
	if err != nil {
		if errors.Is(err, ports.ErrMessageRejected) {
			return ResponseTradeAlreadyExists, fmt.Errorf("offer already taken: %w", err)
		}
		return ResponseNetworkIssue, fmt.Errorf("send assignment: %w", err)
	}

	now := s.now().Unix()
	record := domain.TradeRecord{
		ContractAddress:     req.ContractAddress,
		AcctName:            view.AcctName,
		Role:                domain.RoleResponder,
		TradeState:          domain.StateAssigningPartner,
		NativeAmount:        view.NativeAmount,
		ForeignAmount:       view.ForeignAmount,
		FundingAmount:       view.FundingAmount,
		HashOfSecretA:       view.HashOfSecretA,
		HashOfSecretB:       view.HashOfSecretB,
		CreatorAddress:      view.CreatorAddress,
		PartnerAddress:      s.cfg.OwnAddress,
		ReceivingAddress:    req.ReceivingAddress,
		ForeignKey:          tradeKey.B58Serialize(),
		LockTimeA:           lockTimeA,
		LockTimeB:           lockTimeB,
		CreationTimestamp:   now,
		PresenceExpiry:      now + int64(settings.PresenceLifetimeMinutes)*60,
		LastLedgerSignature: signature,
	}
	if err := s.repoManager.Trades().Add(ctx, record); err != nil {
		return ResponseNetworkIssue, fmt.Errorf("persist trade record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": req.ContractAddress,
		"acct":     view.AcctName,
	}).Info("responding to trade offer")
	return ResponseOK, nil
}

// RequestCancel asks for a user-initiated cancellation. Only legal while
// the contract is still offering; afterwards the structural timeouts are
// the only way out.
func (s *Service) RequestCancel(ctx context.Context, contractAddress string) error {
	unlock := s.lockTrade(contractAddress)
	defer unlock()

	record, err := s.repoManager.Trades().Get(ctx, contractAddress)
	if err != nil {
		return err
	}
	if !record.TradeState.CancellableByUser() {
		return fmt.Errorf("%w: state %s", ErrTradeNotCancellable, record.TradeState)
	}

	signature, err := s.ledger.SendMessage(ctx, contractAddress, acct.BuildCancel())
	if err != nil {
		if errors.Is(err, ports.ErrMessageRejected) {
			// A partner beat the cancellation; the next tick re-derives.
			return fmt.Errorf("%w: offer already taken", ErrTradeNotCancellable)
		}
		return fmt.Errorf("send cancel: %w", err)
	}

	record.TradeState = domain.StateCancelling
	record.LastLedgerSignature = signature
	return s.repoManager.Trades().Update(ctx, *record)
}

// GetTradeView builds a fresh contract projection from the ledger. The
// chain remains the source of truth for the mode; this is never cached.
func (s *Service) GetTradeView(ctx context.Context, contractAddress string) (*acct.CrossChainTradeData, error) {
	state, err := s.ledger.GetContractState(ctx, contractAddress)
	if err != nil {
		return nil, err
	}
	return acct.ParseState(contractAddress, state.CreationBytes, state.DataBytes, state.Balance)
}

// Progress runs a single controller tick for one trade: re-derive the
// phase from chain state, take at most one action, persist. Transient
// chain errors return without a phase change and retry next tick.
func (s *Service) Progress(ctx context.Context, contractAddress string) error {
	unlock := s.lockTrade(contractAddress)
	defer unlock()

	record, err := s.repoManager.Trades().Get(ctx, contractAddress)
	if err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if record.TradeState.Terminal() {
		return nil
	}

	view, err := s.GetTradeView(ctx, contractAddress)
	if err != nil && !errors.Is(err, ports.ErrContractNotFound) {
		return fmt.Errorf("trade %s: %w", contractAddress, err)
	}
	height, err := s.ledger.ChainHeight(ctx)
	if err != nil {
		return fmt.Errorf("trade %s: chain height: %w", contractAddress, err)
	}

	before := record.TradeState
	var changed bool
	switch record.Role {
	case domain.RoleInitiator:
		changed, err = s.tickInitiator(ctx, record, view, height)
	case domain.RoleResponder:
		changed, err = s.tickResponder(ctx, record, view, height)
	default:
		return fmt.Errorf("%w: unknown role %d", ErrCorruptRecord, record.Role)
	}
	if err != nil {
		return err
	}

	changed = s.refreshPresence(ctx, record) || changed
	if !changed {
		return nil
	}
	if record.TradeState.Terminal() && record.CompletionTimestamp == 0 {
		record.CompletionTimestamp = s.now().Unix()
	}
	// The write must be durable before the next tick re-derives from it.
	if err := s.repoManager.Trades().Update(ctx, *record); err != nil {
		return fmt.Errorf("persist trade %s: %w", contractAddress, err)
	}
	if record.TradeState != before {
		logrus.WithFields(logrus.Fields{
			"contract": contractAddress,
			"role":     record.Role.String(),
			"from":     string(before),
			"to":       string(record.TradeState),
		}).Info("trade state advanced")
	}
	return nil
}

// refreshPresence is best effort: an unreadable settings store skips the
// extension for this tick without failing the trade.
func (s *Service) refreshPresence(ctx context.Context, record *domain.TradeRecord) bool {
	if record.TradeState.Terminal() {
		return false
	}
	settings, err := s.settings(ctx)
	if err != nil {
		logrus.WithError(err).Warn("presence refresh skipped")
		return false
	}
	lifetime := int64(settings.PresenceLifetimeMinutes) * 60
	now := s.now().Unix()
	if record.PresenceExpiry-now < lifetime/2 {
		record.PresenceExpiry = now + lifetime
		return true
	}
	return false
}

// CanDelete reports whether a record reached a terminal state long enough
// ago that reorg risk is negligible.
func (s *Service) CanDelete(ctx context.Context, record domain.TradeRecord) bool {
	if !record.TradeState.Terminal() || record.CompletionTimestamp == 0 {
		return false
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return false
	}
	_, variant, err := s.foreign(record.AcctName)
	if err != nil {
		return false
	}
	marginMinutes := int64(settings.DeleteDelayMinutes) +
		int64(settings.ConfirmationMargin)*int64(variant.ForeignBlockTime)
	return s.now().Unix() >= record.CompletionTimestamp+marginMinutes*60
}

// htlcOpts derives the foreign HTLC parameters from the contract view:
// the initiator redeems with the secret, the responder refunds after the
// locktime.
func htlcOpts(view *acct.CrossChainTradeData) htlc.Opts {
	return htlc.Opts{
		RedeemerPKH:  view.CreatorForeignPKH,
		RefunderPKH:  view.PartnerForeignPKH,
		HashOfSecret: view.HashOfSecretA,
		LockTime:     view.LockTimeA,
	}
}

func (s *Service) htlcAddress(view *acct.CrossChainTradeData) ([]byte, btcutil.Address, error) {
	script, err := htlc.BuildScript(htlcOpts(view))
	if err != nil {
		return nil, nil, err
	}
	addr, err := htlc.ScriptAddress(script, s.cfg.NetParams)
	if err != nil {
		return nil, nil, err
	}
	return script, addr, nil
}

// payoutAddress is the P2PKH address of the per-trade foreign key.
func (s *Service) payoutAddress(record *domain.TradeRecord) (btcutil.Address, error) {
	tradeKey, err := utils.ParseExtendedKey(record.ForeignKey)
	if err != nil {
		return nil, err
	}
	pkh, err := utils.PubKeyHash(tradeKey)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressPubKeyHash(pkh, s.cfg.NetParams)
}

func toHtlcUtxos(utxos []ports.Utxo) []htlc.Utxo {
	out := make([]htlc.Utxo, 0, len(utxos))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		out = append(out, htlc.Utxo{TxID: *hash, Vout: u.Vout, Amount: u.Amount})
	}
	return out
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, htlc.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func randomKeyIndex() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]) & 0x7fffffff, nil
}
