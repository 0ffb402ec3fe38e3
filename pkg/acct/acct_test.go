package acct

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDeployArgs() DeployArgs {
	return DeployArgs{
		AcctName:            "AQUILA-BTC-v2",
		CreatorAddress:      "Acreator1111111111111111111111111",
		CreatorForeignPKH:   bytes.Repeat([]byte{0x0a}, hashLen),
		HashOfSecretA:       bytes.Repeat([]byte{0x0b}, hashLen),
		HashOfSecretB:       bytes.Repeat([]byte{0x0c}, hashLen),
		NativeAmount:        100_000_000,
		ForeignAmount:       50_000,
		FundingAmount:       100_250_000,
		TradeTimeoutMinutes: 2880,
	}
}

func testAssignArgs() AssignPartnerArgs {
	return AssignPartnerArgs{
		PartnerAddress:    "Apartner111111111111111111111111",
		PartnerForeignPKH: bytes.Repeat([]byte{0x0d}, hashLen),
		ReceivingAddress:  "Areceive111111111111111111111111",
		HashOfSecretA:     bytes.Repeat([]byte{0x0b}, hashLen),
		LockTimeA:         1_700_086_400,
		LockTimeB:         1_700_172_800,
	}
}

func TestGetVariant(t *testing.T) {
	v, err := GetVariant("AQUILA-BTC-v2")
	require.NoError(t, err)
	require.Equal(t, "BTC", v.ForeignChain)
	require.NotZero(t, v.ForeignBlockTime)

	_, err = GetVariant("AQUILA-DOGE-v1")
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestMode(t *testing.T) {
	require.Equal(t, "OFFERING", ModeOffering.String())
	require.Equal(t, "TRADING", ModeTrading.String())
	require.Equal(t, "REDEEMED", ModeRedeemed.String())
	require.Equal(t, "REFUNDED", ModeRefunded.String())
	require.Equal(t, "CANCELLED", ModeCancelled.String())

	require.False(t, ModeOffering.Terminal())
	require.False(t, ModeTrading.Terminal())
	require.True(t, ModeRedeemed.Terminal())
	require.True(t, ModeRefunded.Terminal())
	require.True(t, ModeCancelled.Terminal())
}

func TestBuildDeploy(t *testing.T) {
	args := testDeployArgs()

	creation, err := BuildDeploy(args)
	require.NoError(t, err)
	require.NotEmpty(t, creation)

	// deterministic
	again, err := BuildDeploy(args)
	require.NoError(t, err)
	require.Equal(t, creation, again)

	t.Run("validation", func(t *testing.T) {
		bad := args
		bad.AcctName = "nope"
		_, err := BuildDeploy(bad)
		require.ErrorIs(t, err, ErrUnknownVariant)

		bad = args
		bad.CreatorAddress = ""
		_, err = BuildDeploy(bad)
		require.Error(t, err)

		bad = args
		bad.HashOfSecretA = bad.HashOfSecretA[:hashLen-1]
		_, err = BuildDeploy(bad)
		require.Error(t, err)

		bad = args
		bad.FundingAmount = bad.NativeAmount - 1
		_, err = BuildDeploy(bad)
		require.Error(t, err)

		bad = args
		bad.TradeTimeoutMinutes = 0
		_, err = BuildDeploy(bad)
		require.Error(t, err)
	})
}

func TestAssignPartnerRoundTrip(t *testing.T) {
	args := testAssignArgs()

	payload, err := BuildAssignPartner(args)
	require.NoError(t, err)

	parsed, err := ParseAssignPartner(payload)
	require.NoError(t, err)
	require.Equal(t, args, *parsed)

	t.Run("validation", func(t *testing.T) {
		bad := args
		bad.LockTimeB = bad.LockTimeA
		_, err := BuildAssignPartner(bad)
		require.Error(t, err)

		bad = args
		bad.ReceivingAddress = ""
		_, err = BuildAssignPartner(bad)
		require.Error(t, err)
	})

	t.Run("malformed payloads", func(t *testing.T) {
		_, err := ParseAssignPartner(nil)
		require.Error(t, err)

		_, err = ParseAssignPartner([]byte{0x7f})
		require.Error(t, err)

		_, err = ParseAssignPartner(payload[:len(payload)-4])
		require.Error(t, err)
	})
}

func TestRedeemRoundTrip(t *testing.T) {
	args := RedeemArgs{
		Secret:           bytes.Repeat([]byte{0x11}, secretLen),
		RecipientAddress: "Areceive111111111111111111111111",
	}

	payload, err := BuildRedeem(args)
	require.NoError(t, err)

	parsed, err := ParseRedeem(payload)
	require.NoError(t, err)
	require.Equal(t, args, *parsed)

	t.Run("validation", func(t *testing.T) {
		bad := args
		bad.Secret = bad.Secret[:secretLen-1]
		_, err := BuildRedeem(bad)
		require.Error(t, err)

		bad = args
		bad.RecipientAddress = ""
		_, err = BuildRedeem(bad)
		require.Error(t, err)
	})

	t.Run("malformed payloads", func(t *testing.T) {
		_, err := ParseRedeem(payload[:secretLen])
		require.Error(t, err)
	})
}

func TestCancel(t *testing.T) {
	payload := BuildCancel()
	require.True(t, IsCancel(payload))
	require.False(t, IsCancel(nil))
	require.False(t, IsCancel([]byte{0x01}))
	require.False(t, IsCancel(append(payload, 0x00)))
}

func TestParseState(t *testing.T) {
	deployArgs := testDeployArgs()
	creation, err := BuildDeploy(deployArgs)
	require.NoError(t, err)

	const contractAddress = "Acontract11111111111111111111111"

	t.Run("offering", func(t *testing.T) {
		data, err := SerializeState(ModeOffering, 0, nil)
		require.NoError(t, err)

		view, err := ParseState(contractAddress, creation, data, deployArgs.FundingAmount)
		require.NoError(t, err)

		require.Equal(t, contractAddress, view.ContractAddress)
		require.Equal(t, deployArgs.AcctName, view.AcctName)
		require.Equal(t, ModeOffering, view.Mode)
		require.Equal(t, deployArgs.CreatorAddress, view.CreatorAddress)
		require.Equal(t, deployArgs.CreatorForeignPKH, view.CreatorForeignPKH)
		require.Equal(t, deployArgs.HashOfSecretA, view.HashOfSecretA)
		require.Equal(t, deployArgs.HashOfSecretB, view.HashOfSecretB)
		require.Equal(t, deployArgs.NativeAmount, view.NativeAmount)
		require.Equal(t, deployArgs.ForeignAmount, view.ForeignAmount)
		require.Equal(t, deployArgs.FundingAmount, view.FundingAmount)
		require.Equal(t, deployArgs.TradeTimeoutMinutes, view.TradeTimeoutMinutes)
		require.Equal(t, deployArgs.FundingAmount, view.Balance)
		require.Empty(t, view.PartnerAddress)

		// deprecated mirrors track the new fields
		require.Equal(t, view.NativeAmount, view.TradeAmount)
		require.Equal(t, view.TradeTimeoutMinutes, view.RefundTimeout)
	})

	t.Run("trading", func(t *testing.T) {
		assign := testAssignArgs()
		data, err := SerializeState(ModeTrading, 123_456, &assign)
		require.NoError(t, err)

		view, err := ParseState(contractAddress, creation, data, deployArgs.FundingAmount)
		require.NoError(t, err)

		require.Equal(t, ModeTrading, view.Mode)
		require.Equal(t, uint32(123_456), view.TradeRefundHeight)
		require.Equal(t, assign.PartnerAddress, view.PartnerAddress)
		require.Equal(t, assign.PartnerForeignPKH, view.PartnerForeignPKH)
		require.Equal(t, assign.ReceivingAddress, view.PartnerReceivingAddress)
		require.Equal(t, assign.LockTimeA, view.LockTimeA)
		require.Equal(t, assign.LockTimeB, view.LockTimeB)
	})

	t.Run("bad creation bytes", func(t *testing.T) {
		data, err := SerializeState(ModeOffering, 0, nil)
		require.NoError(t, err)

		_, err = ParseState(contractAddress, nil, data, 0)
		require.ErrorIs(t, err, ErrBadPayload)

		mutated := make([]byte, len(creation))
		copy(mutated, creation)
		mutated[0] = 'X'
		_, err = ParseState(contractAddress, mutated, data, 0)
		require.ErrorIs(t, err, ErrBadPayload)

		_, err = ParseState(contractAddress, creation[:len(creation)-2], data, 0)
		require.Error(t, err)
	})

	t.Run("bad state bytes", func(t *testing.T) {
		_, err := ParseState(contractAddress, creation, nil, 0)
		require.ErrorIs(t, err, ErrBadPayload)

		_, err = ParseState(contractAddress, creation, []byte{0xee, 0, 0, 0, 0}, 0)
		require.ErrorIs(t, err, ErrBadPayload)
	})
}
