// Package acct builds and parses the payloads of the on-chain
// automated-transaction contract that escrows the native side of a
// cross-chain trade. The contract itself runs inside the ledger's
// deterministic machine; this package only knows the byte layout of its
// creation data, its message payloads and its state snapshot.
package acct

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Mode is the on-chain contract mode. It is ground truth: the off-chain
// trade states refine it but never replace it.
type Mode int

const (
	ModeOffering Mode = iota
	ModeTrading
	ModeRedeemed
	ModeRefunded
	ModeCancelled
)

func (m Mode) String() string {
	switch m {
	case ModeOffering:
		return "OFFERING"
	case ModeTrading:
		return "TRADING"
	case ModeRedeemed:
		return "REDEEMED"
	case ModeRefunded:
		return "REFUNDED"
	case ModeCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(m))
	}
}

// Terminal reports whether the contract can never change mode again.
func (m Mode) Terminal() bool {
	return m == ModeRedeemed || m == ModeRefunded || m == ModeCancelled
}

const (
	hashLen   = 20
	secretLen = 32

	creationMagic   = "AQAT"
	creationVersion = uint16(2)

	msgAssignPartner = byte(0x01)
	msgRedeem        = byte(0x02)
	msgCancel        = byte(0x03)
)

var (
	ErrUnknownVariant = errors.New("unknown acct variant")
	ErrBadPayload     = errors.New("malformed contract payload")
)

// Variant identifies a contract build per foreign-chain pairing.
type Variant struct {
	Name             string
	ForeignChain     string
	ForeignBlockTime uint32 // minutes, used to size locktime offsets
}

var variants = map[string]Variant{
	"AQUILA-BTC-v2": {Name: "AQUILA-BTC-v2", ForeignChain: "BTC", ForeignBlockTime: 10},
}

// GetVariant looks up a contract variant by its acctName.
func GetVariant(name string) (*Variant, error) {
	v, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
	}
	return &v, nil
}

// CrossChainTradeData is the read-only projection of contract state,
// rebuilt from the ledger on every poll and never persisted.
type CrossChainTradeData struct {
	ContractAddress string
	AcctName        string
	Mode            Mode

	CreatorAddress    string
	CreatorForeignPKH []byte
	HashOfSecretA     []byte
	HashOfSecretB     []byte

	NativeAmount        uint64
	ForeignAmount       uint64
	FundingAmount       uint64
	TradeTimeoutMinutes uint32
	Balance             uint64

	PartnerAddress          string
	PartnerForeignPKH       []byte
	PartnerReceivingAddress string
	LockTimeA               int64
	LockTimeB               int64
	TradeRefundHeight       uint32

	// Deprecated: mirrors NativeAmount for pre-v2 API consumers. Always
	// populated identically to NativeAmount.
	TradeAmount uint64
	// Deprecated: mirrors TradeTimeoutMinutes. Always populated identically.
	RefundTimeout uint32
}

// DeployArgs are the immutable offer terms baked into the contract's
// creation bytes. HashOfSecretA is the initiator's advertised hash lock;
// the partner's ASSIGN_PARTNER message must echo it and the contract
// rejects a mismatch.
type DeployArgs struct {
	AcctName            string
	CreatorAddress      string
	CreatorForeignPKH   []byte
	HashOfSecretA       []byte
	HashOfSecretB       []byte
	NativeAmount        uint64
	ForeignAmount       uint64
	FundingAmount       uint64
	TradeTimeoutMinutes uint32
}

func (a DeployArgs) validate() error {
	if _, err := GetVariant(a.AcctName); err != nil {
		return err
	}
	if a.CreatorAddress == "" {
		return errors.New("creator address is required")
	}
	if len(a.CreatorForeignPKH) != hashLen {
		return fmt.Errorf("creator foreign pkh must be %d bytes", hashLen)
	}
	if len(a.HashOfSecretA) != hashLen || len(a.HashOfSecretB) != hashLen {
		return fmt.Errorf("hash locks must be %d bytes", hashLen)
	}
	if a.NativeAmount == 0 || a.FundingAmount == 0 {
		return errors.New("native and funding amounts are required")
	}
	if a.FundingAmount < a.NativeAmount {
		return errors.New("funding amount below native amount")
	}
	if a.TradeTimeoutMinutes == 0 {
		return errors.New("trade timeout is required")
	}
	return nil
}

// BuildDeploy serializes the contract creation bytes.
func BuildDeploy(args DeployArgs) ([]byte, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	buf.WriteString(creationMagic)
	write(buf, creationVersion)
	writeString(buf, args.AcctName)
	writeString(buf, args.CreatorAddress)
	buf.Write(args.CreatorForeignPKH)
	buf.Write(args.HashOfSecretA)
	buf.Write(args.HashOfSecretB)
	write(buf, args.NativeAmount)
	write(buf, args.ForeignAmount)
	write(buf, args.FundingAmount)
	write(buf, args.TradeTimeoutMinutes)
	return buf.Bytes(), nil
}

// AssignPartnerArgs is the payload moving the contract OFFERING -> TRADING.
type AssignPartnerArgs struct {
	PartnerAddress    string
	PartnerForeignPKH []byte
	ReceivingAddress  string
	HashOfSecretA     []byte
	LockTimeA         int64
	LockTimeB         int64
}

func (a AssignPartnerArgs) validate() error {
	if a.PartnerAddress == "" || a.ReceivingAddress == "" {
		return errors.New("partner and receiving addresses are required")
	}
	if len(a.PartnerForeignPKH) != hashLen {
		return fmt.Errorf("partner foreign pkh must be %d bytes", hashLen)
	}
	if len(a.HashOfSecretA) != hashLen {
		return fmt.Errorf("hash of secret A must be %d bytes", hashLen)
	}
	if a.LockTimeA <= 0 || a.LockTimeB <= 0 || a.LockTimeB <= a.LockTimeA {
		return errors.New("locktimes must be positive with lockTimeB after lockTimeA")
	}
	return nil
}

// BuildAssignPartner serializes the trade-partner assignment message.
func BuildAssignPartner(args AssignPartnerArgs) ([]byte, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(msgAssignPartner)
	writeString(buf, args.PartnerAddress)
	buf.Write(args.PartnerForeignPKH)
	writeString(buf, args.ReceivingAddress)
	buf.Write(args.HashOfSecretA)
	write(buf, args.LockTimeA)
	write(buf, args.LockTimeB)
	return buf.Bytes(), nil
}

// ParseAssignPartner decodes an assignment message payload.
func ParseAssignPartner(payload []byte) (*AssignPartnerArgs, error) {
	r := bytes.NewReader(payload)
	tag, err := r.ReadByte()
	if err != nil || tag != msgAssignPartner {
		return nil, ErrBadPayload
	}
	args := &AssignPartnerArgs{
		PartnerForeignPKH: make([]byte, hashLen),
		HashOfSecretA:     make([]byte, hashLen),
	}
	if args.PartnerAddress, err = readString(r); err != nil {
		return nil, err
	}
	if _, err = io.ReadFull(r, args.PartnerForeignPKH); err != nil {
		return nil, ErrBadPayload
	}
	if args.ReceivingAddress, err = readString(r); err != nil {
		return nil, err
	}
	if _, err = io.ReadFull(r, args.HashOfSecretA); err != nil {
		return nil, ErrBadPayload
	}
	if err = read(r, &args.LockTimeA); err != nil {
		return nil, err
	}
	if err = read(r, &args.LockTimeB); err != nil {
		return nil, err
	}
	return args, args.validate()
}

// RedeemArgs is the secret-revealing payload moving TRADING -> REDEEMED.
// Secret may be either trade secret; the contract re-derives its double
// hash and rejects a value matching neither recorded lock.
type RedeemArgs struct {
	Secret           []byte
	RecipientAddress string
}

func (a RedeemArgs) validate() error {
	if len(a.Secret) != secretLen {
		return fmt.Errorf("secret must be %d bytes", secretLen)
	}
	if a.RecipientAddress == "" {
		return errors.New("recipient address is required")
	}
	return nil
}

// BuildRedeem serializes the redemption message.
func BuildRedeem(args RedeemArgs) ([]byte, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(msgRedeem)
	buf.Write(args.Secret)
	writeString(buf, args.RecipientAddress)
	return buf.Bytes(), nil
}

// ParseRedeem decodes a redemption message payload.
func ParseRedeem(payload []byte) (*RedeemArgs, error) {
	r := bytes.NewReader(payload)
	tag, err := r.ReadByte()
	if err != nil || tag != msgRedeem {
		return nil, ErrBadPayload
	}
	args := &RedeemArgs{Secret: make([]byte, secretLen)}
	if _, err = io.ReadFull(r, args.Secret); err != nil {
		return nil, ErrBadPayload
	}
	if args.RecipientAddress, err = readString(r); err != nil {
		return nil, err
	}
	return args, args.validate()
}

// BuildCancel serializes the creator-only cancellation message, valid in
// OFFERING mode only.
func BuildCancel() []byte {
	return []byte{msgCancel}
}

// IsCancel reports whether a payload is a cancellation message.
func IsCancel(payload []byte) bool {
	return len(payload) == 1 && payload[0] == msgCancel
}

// State layout appended by the contract machine to its data segment:
// mode byte, refund height, then the partner block once TRADING begins.
type contractState struct {
	Mode              Mode
	TradeRefundHeight uint32
	Partner           *AssignPartnerArgs
}

// SerializeState encodes a contract data segment. The ledger node calls
// this when applying a mode transition; tests use it to fake chain state.
func SerializeState(mode Mode, refundHeight uint32, partner *AssignPartnerArgs) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(mode))
	write(buf, refundHeight)
	if partner != nil {
		assign, err := BuildAssignPartner(*partner)
		if err != nil {
			return nil, err
		}
		buf.Write(assign)
	}
	return buf.Bytes(), nil
}

func parseState(data []byte) (*contractState, error) {
	if len(data) < 5 {
		return nil, ErrBadPayload
	}
	st := &contractState{
		Mode:              Mode(data[0]),
		TradeRefundHeight: binary.LittleEndian.Uint32(data[1:5]),
	}
	if st.Mode < ModeOffering || st.Mode > ModeCancelled {
		return nil, fmt.Errorf("%w: mode %d", ErrBadPayload, data[0])
	}
	if len(data) > 5 {
		partner, err := ParseAssignPartner(data[5:])
		if err != nil {
			return nil, err
		}
		st.Partner = partner
	}
	return st, nil
}

// ParseState projects raw contract bytes plus balance into the trade view.
func ParseState(contractAddress string, creation, data []byte, balance uint64) (*CrossChainTradeData, error) {
	r := bytes.NewReader(creation)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != creationMagic {
		return nil, fmt.Errorf("%w: bad creation magic", ErrBadPayload)
	}
	var version uint16
	if err := read(r, &version); err != nil {
		return nil, err
	}
	if version != creationVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadPayload, version)
	}

	view := &CrossChainTradeData{
		ContractAddress:   contractAddress,
		Balance:           balance,
		CreatorForeignPKH: make([]byte, hashLen),
		HashOfSecretA:     make([]byte, hashLen),
		HashOfSecretB:     make([]byte, hashLen),
	}
	var err error
	if view.AcctName, err = readString(r); err != nil {
		return nil, err
	}
	if _, err = GetVariant(view.AcctName); err != nil {
		return nil, err
	}
	if view.CreatorAddress, err = readString(r); err != nil {
		return nil, err
	}
	for _, field := range [][]byte{view.CreatorForeignPKH, view.HashOfSecretA, view.HashOfSecretB} {
		if _, err = io.ReadFull(r, field); err != nil {
			return nil, ErrBadPayload
		}
	}
	for _, field := range []any{&view.NativeAmount, &view.ForeignAmount, &view.FundingAmount, &view.TradeTimeoutMinutes} {
		if err = read(r, field); err != nil {
			return nil, err
		}
	}

	st, err := parseState(data)
	if err != nil {
		return nil, err
	}
	view.Mode = st.Mode
	view.TradeRefundHeight = st.TradeRefundHeight
	if st.Partner != nil {
		view.PartnerAddress = st.Partner.PartnerAddress
		view.PartnerForeignPKH = st.Partner.PartnerForeignPKH
		view.PartnerReceivingAddress = st.Partner.ReceivingAddress
		view.LockTimeA = st.Partner.LockTimeA
		view.LockTimeB = st.Partner.LockTimeB
	}

	// Deprecated mirrors, kept byte-identical to the new fields.
	view.TradeAmount = view.NativeAmount
	view.RefundTimeout = view.TradeTimeoutMinutes
	return view, nil
}

func write(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes cannot fail.
	// nolint:all
	binary.Write(buf, binary.LittleEndian, v)
}

func read(r *bytes.Reader, v any) error {
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return ErrBadPayload
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	write(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := read(r, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrBadPayload
	}
	return string(b), nil
}
