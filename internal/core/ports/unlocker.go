package ports

import "context"

// Unlocker supplies the wallet password used to decrypt the master foreign
// key material at startup, without interactive input.
type Unlocker interface {
	GetPassword(ctx context.Context) (string, error)
}
