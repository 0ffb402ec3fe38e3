package ports

import (
	"context"
	"errors"
)

var (
	// ErrContractNotFound means the contract address does not exist on the
	// ledger (yet). Callers decide whether that is transient.
	ErrContractNotFound = errors.New("contract not found")

	// ErrMessageRejected means the contract machine rejected a payload:
	// a lost assignment race, a secret that does not hash-match, or a
	// message sent in the wrong mode. Never retried blindly.
	ErrMessageRejected = errors.New("contract rejected message")
)

// ContractState is the raw on-chain snapshot of a deployed contract. The
// acct package projects it into a CrossChainTradeData view.
type ContractState struct {
	CreationBytes []byte
	DataBytes     []byte
	Balance       uint64
}

// LedgerService is the native-chain capability consumed by the trade bot.
type LedgerService interface {
	DeployContract(ctx context.Context, creationBytes []byte, fundingAmount uint64) (contractAddress, signature string, err error)
	SendMessage(ctx context.Context, contractAddress string, payload []byte) (signature string, err error)
	GetContractState(ctx context.Context, contractAddress string) (*ContractState, error)
	TransactionConfirmations(ctx context.Context, signature string) (uint32, error)
	ChainHeight(ctx context.Context) (uint32, error)
	AccountBalance(ctx context.Context, address string) (uint64, error)
}
