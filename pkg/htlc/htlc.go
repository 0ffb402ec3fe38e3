package htlc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// SecretSize is the byte-length of the secret preimage.
	SecretSize = 32

	// HashSize is the byte-length of a hash lock or public-key hash.
	HashSize = 20

	pubkeyLen = 33

	// derSigLen is the worst-case length of a DER signature plus the
	// sighash-type byte.
	derSigLen = 73

	// txOverhead is 4 bytes version + 4 bytes locktime + 2 varints for the
	// input and output counts.
	txOverhead = 4 + 4 + 1 + 1

	// txInOverhead is outpoint (36) + 4 bytes sequence + sigScript varint.
	txInOverhead = 36 + 4 + 1

	p2pkhOutputSize = 8 + 1 + 25
	p2shOutputSize  = 8 + 1 + 23
)

var (
	// ErrInsufficientFunds is returned when the selected inputs cannot cover
	// the payment output plus the fee at the requested rate.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Opts fully determines an HTLC redeem script. The same inputs always
// produce the same script bytes and the same locking address.
type Opts struct {
	RedeemerPKH  []byte
	RefunderPKH  []byte
	HashOfSecret []byte
	LockTime     int64
}

func (o Opts) validate() error {
	if len(o.RedeemerPKH) != HashSize {
		return fmt.Errorf("redeemer pkh must be %d bytes, got %d", HashSize, len(o.RedeemerPKH))
	}
	if len(o.RefunderPKH) != HashSize {
		return fmt.Errorf("refunder pkh must be %d bytes, got %d", HashSize, len(o.RefunderPKH))
	}
	if len(o.HashOfSecret) != HashSize {
		return fmt.Errorf("hash of secret must be %d bytes, got %d", HashSize, len(o.HashOfSecret))
	}
	if o.LockTime <= 0 {
		return errors.New("locktime is required")
	}
	return nil
}

// HashSecret computes the hash lock for a secret: RIPEMD160(SHA256(secret)),
// the 20-byte double hash the on-chain contract records and the foreign
// script enforces via OP_HASH160.
func HashSecret(secret []byte) []byte {
	return btcutil.Hash160(secret)
}

// VerifySecret reports whether secret is the preimage of hashOfSecret.
func VerifySecret(hashOfSecret, secret []byte) bool {
	if len(secret) != SecretSize {
		return false
	}
	return bytes.Equal(HashSecret(secret), hashOfSecret)
}

// BuildScript assembles the redeem script:
//
//	OP_IF
//	  OP_SIZE 32 OP_EQUALVERIFY
//	  OP_HASH160 <hashOfSecret> OP_EQUALVERIFY
//	  OP_DUP OP_HASH160 <redeemerPKH>
//	OP_ELSE
//	  <lockTime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	  OP_DUP OP_HASH160 <refunderPKH>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
func BuildScript(opts Opts) ([]byte, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddOps([]byte{
			txscript.OP_IF,
			txscript.OP_SIZE,
		}).AddInt64(SecretSize).
		AddOps([]byte{
			txscript.OP_EQUALVERIFY,
			txscript.OP_HASH160,
		}).AddData(opts.HashOfSecret).
		AddOps([]byte{
			txscript.OP_EQUALVERIFY,
			txscript.OP_DUP,
			txscript.OP_HASH160,
		}).AddData(opts.RedeemerPKH).
		AddOp(txscript.OP_ELSE).
		AddInt64(opts.LockTime).
		AddOps([]byte{
			txscript.OP_CHECKLOCKTIMEVERIFY,
			txscript.OP_DROP,
			txscript.OP_DUP,
			txscript.OP_HASH160,
		}).AddData(opts.RefunderPKH).
		AddOps([]byte{
			txscript.OP_ENDIF,
			txscript.OP_EQUALVERIFY,
			txscript.OP_CHECKSIG,
		}).Script()
}

// ScriptAddress derives the P2SH locking address for a redeem script.
func ScriptAddress(script []byte, params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {
	return btcutil.NewAddressScriptHash(script, params)
}

// ParseScript walks a redeem script produced by BuildScript and recovers its
// parameters. The byte positions are fixed except for the locktime push,
// which is 1 to 5 bytes.
func ParseScript(script []byte) (*Opts, error) {
	// Fixed prefix through the redeemer pkh push and OP_ELSE.
	if len(script) < 53 ||
		script[0] != txscript.OP_IF ||
		script[1] != txscript.OP_SIZE ||
		script[2] != txscript.OP_DATA_1 ||
		script[3] != SecretSize ||
		script[4] != txscript.OP_EQUALVERIFY ||
		script[5] != txscript.OP_HASH160 ||
		script[6] != txscript.OP_DATA_20 ||
		script[27] != txscript.OP_EQUALVERIFY ||
		script[28] != txscript.OP_DUP ||
		script[29] != txscript.OP_HASH160 ||
		script[30] != txscript.OP_DATA_20 ||
		script[51] != txscript.OP_ELSE {
		return nil, errors.New("invalid htlc script format")
	}

	n := int(script[52])
	if n < 1 || n > 5 || len(script) != 81+n {
		return nil, errors.New("invalid htlc locktime push")
	}
	lockTime := decodeScriptNum(script[53 : 53+n])

	if script[53+n] != txscript.OP_CHECKLOCKTIMEVERIFY ||
		script[54+n] != txscript.OP_DROP ||
		script[55+n] != txscript.OP_DUP ||
		script[56+n] != txscript.OP_HASH160 ||
		script[57+n] != txscript.OP_DATA_20 ||
		script[78+n] != txscript.OP_ENDIF ||
		script[79+n] != txscript.OP_EQUALVERIFY ||
		script[80+n] != txscript.OP_CHECKSIG {
		return nil, errors.New("invalid htlc script format")
	}

	opts := &Opts{
		HashOfSecret: append([]byte{}, script[7:27]...),
		RedeemerPKH:  append([]byte{}, script[31:51]...),
		RefunderPKH:  append([]byte{}, script[58+n:78+n]...),
		LockTime:     lockTime,
	}
	return opts, opts.validate()
}

func decodeScriptNum(b []byte) int64 {
	var n int64
	for i, v := range b {
		n |= int64(v) << (8 * i)
	}
	// High bit of the last byte is the sign.
	if b[len(b)-1]&0x80 != 0 {
		n &= ^(int64(0x80) << (8 * (len(b) - 1)))
		n = -n
	}
	return n
}

// Utxo is an unspent output paying the HTLC address.
type Utxo struct {
	TxID   chainhash.Hash
	Vout   uint32
	Amount int64
}

// SpendArgs collects everything needed to build and sign a transaction
// spending one or more HTLC outputs to a single payment output.
type SpendArgs struct {
	Script  []byte
	Utxos   []Utxo
	PayTo   btcutil.Address
	FeeRate int64 // sat/vB
	Key     *btcec.PrivateKey
	Secret  []byte // redeem path only
}

// BuildRedeemTx builds and signs the secret-revealing spend of the HTLC
// outputs. The secret becomes publicly visible once the transaction hits the
// foreign chain.
func BuildRedeemTx(args SpendArgs) (*wire.MsgTx, error) {
	if !VerifySecret(scriptHashLock(args.Script), args.Secret) {
		return nil, errors.New("secret does not match the script hash lock")
	}
	return buildSpend(args, false)
}

// BuildRefundTx builds and signs the timeout spend. The transaction's
// nLockTime and input sequences are set so consensus itself enforces the
// time lock.
func BuildRefundTx(args SpendArgs) (*wire.MsgTx, error) {
	return buildSpend(args, true)
}

func scriptHashLock(script []byte) []byte {
	opts, err := ParseScript(script)
	if err != nil {
		return nil
	}
	return opts.HashOfSecret
}

func buildSpend(args SpendArgs, refund bool) (*wire.MsgTx, error) {
	opts, err := ParseScript(args.Script)
	if err != nil {
		return nil, fmt.Errorf("invalid redeem script: %w", err)
	}
	if len(args.Utxos) == 0 {
		return nil, ErrInsufficientFunds
	}
	if args.FeeRate <= 0 {
		return nil, errors.New("fee rate is required")
	}
	if args.Key == nil {
		return nil, errors.New("signing key is required")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var inputTotal int64
	for _, u := range args.Utxos {
		txIn := wire.NewTxIn(wire.NewOutPoint(&u.TxID, u.Vout), nil, nil)
		if refund {
			// Anything below the max sequence opts in to locktime checks.
			txIn.Sequence = wire.MaxTxInSequenceNum - 1
		}
		tx.AddTxIn(txIn)
		inputTotal += u.Amount
	}
	if refund {
		tx.LockTime = uint32(opts.LockTime)
	}

	payScript, err := txscript.PayToAddrScript(args.PayTo)
	if err != nil {
		return nil, fmt.Errorf("pay script: %w", err)
	}

	fee := args.FeeRate * spendSize(len(args.Script), len(args.Utxos), refund)
	value := inputTotal - fee
	if value <= 0 {
		return nil, fmt.Errorf("%w: %d available, %d fee", ErrInsufficientFunds, inputTotal, fee)
	}
	tx.AddTxOut(wire.NewTxOut(value, payScript))

	pubkey := args.Key.PubKey().SerializeCompressed()
	for i := range tx.TxIn {
		sig, err := txscript.RawTxInSignature(tx, i, args.Script, txscript.SigHashAll, args.Key)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		builder := txscript.NewScriptBuilder().AddData(sig).AddData(pubkey)
		if refund {
			builder.AddInt64(0)
		} else {
			builder.AddData(args.Secret).AddInt64(1)
		}
		sigScript, err := builder.AddData(args.Script).Script()
		if err != nil {
			return nil, fmt.Errorf("sig script: %w", err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return tx, nil
}

// spendSize is the worst-case serialized size of an HTLC spend.
func spendSize(scriptLen, numInputs int, refund bool) int64 {
	sigScript := 1 + derSigLen + 1 + pubkeyLen + 1 + 2 + scriptLen
	if !refund {
		sigScript += 1 + SecretSize
	}
	return int64(txOverhead + numInputs*(txInOverhead+sigScript) + p2pkhOutputSize)
}

// Serialize encodes a transaction for broadcast.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, tx.SerializeSize()))
	if err := tx.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractSecret scans raw transactions for a spend of the given redeem
// script and pulls the 32-byte secret out of its unlocking data. A nil,
// nil return means no spend was found yet, which is the normal state
// while the counterparty has not redeemed.
func ExtractSecret(rawTxs [][]byte, script, hashOfSecret []byte) ([]byte, error) {
	if len(hashOfSecret) != HashSize {
		return nil, errors.New("invalid hash of secret")
	}
	for _, raw := range rawTxs {
		tx := wire.NewMsgTx(0)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("malformed foreign transaction: %w", err)
		}
		for _, txIn := range tx.TxIn {
			pushes, err := txscript.PushedData(txIn.SignatureScript)
			if err != nil {
				continue
			}
			// A P2SH spend reveals the redeem script as the final push.
			if len(pushes) == 0 || !bytes.Equal(pushes[len(pushes)-1], script) {
				continue
			}
			for _, push := range pushes {
				if VerifySecret(hashOfSecret, push) {
					return push, nil
				}
			}
		}
	}
	return nil, nil
}

// TxID returns the hex transaction id of a built spend.
func TxID(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}

// LockTimeReached reports whether a CLTV lock is spendable at the given
// chain-tip (median) time.
func LockTimeReached(lockTime, tipTime int64) bool {
	return tipTime >= lockTime
}
