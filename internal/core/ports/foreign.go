package ports

import "context"

// Utxo is an unspent output on the foreign chain.
type Utxo struct {
	TxID          string
	Vout          uint32
	Amount        int64
	Confirmations uint32
}

// ForeignService is the foreign-chain capability set: UTXO and transaction
// queries, raw broadcast, wallet funding and the chain-tip clock. One
// implementation per foreign chain; the controller is generic over it.
type ForeignService interface {
	TipTime(ctx context.Context) (int64, error)
	TipHeight(ctx context.Context) (uint32, error)
	ListUnspent(ctx context.Context, address string) ([]Utxo, error)
	AddressTransactions(ctx context.Context, address string) ([][]byte, error)
	TxConfirmations(ctx context.Context, txid string) (uint32, error)
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
	SendToAddress(ctx context.Context, address string, amount int64) (txid string, err error)
	Balance(ctx context.Context) (int64, error)
}
