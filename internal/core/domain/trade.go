package domain

import (
	"context"
	"fmt"

	"github.com/AquilaNetwork/aquila-tradebot/pkg/acct"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/htlc"
)

// Role tells which side of a trade this node plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// TradeState is the off-chain trade phase. Each role has its own vocabulary;
// the phases refine the on-chain contract modes with the steps the contract
// cannot see (foreign funding, secret discovery, confirmation waits).
type TradeState string

// Initiator phases.
const (
	StateAtDeploying               TradeState = "AT_DEPLOYING"
	StateAtDeployed                TradeState = "AT_DEPLOYED"
	StateWaitingForPartner         TradeState = "WAITING_FOR_PARTNER"
	StateWatchingForForeignFunding TradeState = "WATCHING_FOR_FOREIGN_HTLC_FUNDING"
	StateForeignFunded             TradeState = "FOREIGN_FUNDED"
	StateRedeemingForeignHtlc      TradeState = "REDEEMING_FOREIGN_HTLC"
	StateWaitingForAtRedeemConfirm TradeState = "WAITING_FOR_AT_REDEEM_CONFIRM"
)

// Responder phases.
const (
	StateDiscoveredOffer         TradeState = "DISCOVERED_OFFER"
	StateAssigningPartner        TradeState = "ASSIGNING_PARTNER"
	StateFundingForeignHtlc      TradeState = "FUNDING_FOREIGN_HTLC"
	StateWaitingForHtlcConfirms  TradeState = "WAITING_FOR_HTLC_CONFIRMS"
	StateWatchingForSecretReveal TradeState = "WATCHING_FOR_SECRET_REVEAL"
	StateRedeemingAt             TradeState = "REDEEMING_AT"
)

// Shared phases.
const (
	StateDone               TradeState = "DONE"
	StateRefunding          TradeState = "REFUNDING"
	StateRefunded           TradeState = "REFUNDED"
	StateCancelling         TradeState = "CANCELLING"
	StateCancelled          TradeState = "CANCELLED"
	StateTradeAlreadyExists TradeState = "TRADE_ALREADY_EXISTS"
)

// Terminal reports whether the trade can never advance again.
func (s TradeState) Terminal() bool {
	switch s {
	case StateDone, StateRefunded, StateCancelled, StateTradeAlreadyExists:
		return true
	}
	return false
}

// ExpectedMode maps an off-chain phase to the contract mode it assumes.
// On-chain modes are ground truth; a poll observing a different mode than
// the expected one means the phase label is stale and must be re-derived.
func (s TradeState) ExpectedMode() acct.Mode {
	switch s {
	case StateAtDeploying, StateAtDeployed, StateWaitingForPartner,
		StateDiscoveredOffer, StateAssigningPartner, StateCancelling:
		return acct.ModeOffering
	case StateWatchingForForeignFunding, StateForeignFunded,
		StateRedeemingForeignHtlc, StateWaitingForAtRedeemConfirm,
		StateFundingForeignHtlc, StateWaitingForHtlcConfirms,
		StateWatchingForSecretReveal, StateRedeemingAt, StateRefunding:
		return acct.ModeTrading
	case StateDone:
		return acct.ModeRedeemed
	case StateRefunded:
		return acct.ModeRefunded
	case StateCancelled:
		return acct.ModeCancelled
	default:
		return acct.ModeOffering
	}
}

// CancellableByUser reports whether a user cancel request is still legal:
// only before TRADING, while no funds are locked on the foreign side.
func (s TradeState) CancellableByUser() bool {
	switch s {
	case StateAtDeploying, StateAtDeployed, StateWaitingForPartner:
		return true
	}
	return false
}

// TradeRecord is the persisted per-trade state, keyed by contract address.
// It is mutated only by the trade-bot controller.
type TradeRecord struct {
	ContractAddress string
	AcctName        string
	Role            Role
	TradeState      TradeState

	NativeAmount  uint64
	ForeignAmount uint64
	FundingAmount uint64

	SecretA       []byte
	SecretB       []byte
	HashOfSecretA []byte
	HashOfSecretB []byte

	CreatorAddress   string
	PartnerAddress   string
	ReceivingAddress string

	// ForeignKey is the per-trade extended private key the foreign-chain
	// keypair is derived from. It is never reused across trades and is
	// deleted with the record.
	ForeignKey string

	LockTimeA         int64
	LockTimeB         int64
	TradeRefundHeight uint32

	CreationTimestamp   int64
	CompletionTimestamp int64
	PresenceExpiry      int64

	// LastForeignTxid and LastLedgerSignature distinguish "already
	// broadcast, awaiting confirmation" from "never attempted". At most
	// one unconfirmed transaction may be in flight per chain.
	LastForeignTxid     string
	LastLedgerSignature string
}

// Validate rejects corrupt records. A known secret that does not hash to
// its recorded lock can never complete a trade and must not be acted on.
func (t TradeRecord) Validate() error {
	if t.ContractAddress == "" {
		return fmt.Errorf("trade record without contract address")
	}
	if t.TradeState == "" {
		return fmt.Errorf("trade %s has no state", t.ContractAddress)
	}
	if _, err := acct.GetVariant(t.AcctName); err != nil {
		return fmt.Errorf("trade %s: %w", t.ContractAddress, err)
	}
	if t.SecretA != nil && !htlc.VerifySecret(t.HashOfSecretA, t.SecretA) {
		return fmt.Errorf("trade %s: secret A does not match its hash lock", t.ContractAddress)
	}
	if t.SecretB != nil && !htlc.VerifySecret(t.HashOfSecretB, t.SecretB) {
		return fmt.Errorf("trade %s: secret B does not match its hash lock", t.ContractAddress)
	}
	return nil
}

// TradeRepository stores the trade records owned by this node.
type TradeRepository interface {
	GetAll(ctx context.Context) ([]TradeRecord, error)
	Get(ctx context.Context, contractAddress string) (*TradeRecord, error)
	Add(ctx context.Context, record TradeRecord) error
	Update(ctx context.Context, record TradeRecord) error
	Delete(ctx context.Context, contractAddress string) error
	Close()
}
