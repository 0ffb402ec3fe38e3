package utils

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

func IsValidMnemonic(mnemonic string) error {
	words := strings.Fields(mnemonic)
	if len(words) != 12 {
		return fmt.Errorf("must have 12 words")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("invalid mnemonic")
	}
	return nil
}

// MasterKeyFromMnemonic derives the wallet's master extended key. Per-trade
// keys hang off it as hardened children so a leaked trade key never exposes
// a sibling trade.
func MasterKeyFromMnemonic(mnemonic string) (*bip32.Key, error) {
	seed := bip39.NewSeed(mnemonic, "")
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	derivationPath := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 1710,
		bip32.FirstHardenedChild + 0,
	}

	next := key
	for _, idx := range derivationPath {
		if next, err = next.NewChildKey(idx); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// DeriveTradeKey returns the hardened child key for one trade. The
// serialized form is what gets persisted in the trade record.
func DeriveTradeKey(master *bip32.Key, index uint32) (*bip32.Key, error) {
	return master.NewChildKey(bip32.FirstHardenedChild + index)
}

// ParseExtendedKey decodes a persisted per-trade extended private key.
func ParseExtendedKey(serialized string) (*bip32.Key, error) {
	key, err := bip32.B58Deserialize(serialized)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	if !key.IsPrivate {
		return nil, fmt.Errorf("extended key is not private")
	}
	return key, nil
}

// SigningKey extracts the secp256k1 private key from an extended key.
func SigningKey(key *bip32.Key) (*btcec.PrivateKey, error) {
	if !key.IsPrivate {
		return nil, fmt.Errorf("extended key is not private")
	}
	priv, _ := btcec.PrivKeyFromBytes(key.Key)
	return priv, nil
}

// PubKeyHash returns the 20-byte hash160 of the key's compressed pubkey,
// the encoding the foreign chain and the contract both use.
func PubKeyHash(key *bip32.Key) ([]byte, error) {
	priv, err := SigningKey(key)
	if err != nil {
		return nil, err
	}
	return btcutil.Hash160(priv.PubKey().SerializeCompressed()), nil
}
