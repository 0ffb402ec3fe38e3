package application

import (
	"context"
	"fmt"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/acct"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/htlc"
	"github.com/AquilaNetwork/aquila-tradebot/utils"
	"github.com/sirupsen/logrus"
)

// tickInitiator advances an initiator ("Alice") trade by at most one
// transition. The contract mode and the foreign chain are re-read as
// ground truth on every tick; the persisted phase is only a hint of where
// to look next.
func (s *Service) tickInitiator(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData, height uint32,
) (bool, error) {
	// Ground-truth reconciliation runs before any phase logic, and the
	// refund-height check runs before anything secret-related.
	if view != nil {
		switch view.Mode {
		case acct.ModeCancelled:
			record.TradeState = domain.StateCancelled
			return true, nil
		case acct.ModeRefunded:
			record.TradeState = domain.StateRefunded
			return true, nil
		case acct.ModeRedeemed:
			if record.TradeState == domain.StateRefunding {
				// A redeem submitted before the refund height landed
				// anyway; the trade completed.
				record.TradeState = domain.StateDone
				return true, nil
			}
		case acct.ModeTrading:
			if height >= view.TradeRefundHeight && record.TradeState != domain.StateRefunding {
				logrus.WithField("contract", record.ContractAddress).
					Warn("refund height reached, abandoning redeem path")
				record.TradeState = domain.StateRefunding
				return true, nil
			}
		}
	}

	switch record.TradeState {
	case domain.StateAtDeploying:
		// Deployment is in flight; the contract appears once confirmed.
		if view == nil {
			return false, nil
		}
		record.TradeState = domain.StateAtDeployed
		record.LastLedgerSignature = ""
		return true, nil

	case domain.StateAtDeployed:
		record.TradeState = domain.StateWaitingForPartner
		return true, nil

	case domain.StateWaitingForPartner, domain.StateCancelling:
		if view == nil {
			return false, fmt.Errorf("trade %s: contract vanished while offering", record.ContractAddress)
		}
		if view.Mode != acct.ModeTrading {
			return false, nil
		}
		// A partner locked in. A pending cancel that lost the race is
		// abandoned: funds are now committed on both sides.
		record.TradeState = domain.StateWatchingForForeignFunding
		record.PartnerAddress = view.PartnerAddress
		record.ReceivingAddress = view.PartnerReceivingAddress
		record.LockTimeA = view.LockTimeA
		record.LockTimeB = view.LockTimeB
		record.TradeRefundHeight = view.TradeRefundHeight
		record.LastLedgerSignature = ""
		return true, nil

	case domain.StateWatchingForForeignFunding:
		funded, err := s.htlcFunded(ctx, record, view)
		if err != nil || !funded {
			return false, err
		}
		record.TradeState = domain.StateForeignFunded
		return true, nil

	case domain.StateForeignFunded:
		return s.redeemForeignHtlc(ctx, record, view)

	case domain.StateRedeemingForeignHtlc:
		foreignSvc, _, err := s.foreign(record.AcctName)
		if err != nil {
			return false, err
		}
		confs, err := foreignSvc.TxConfirmations(ctx, record.LastForeignTxid)
		if err != nil {
			return false, fmt.Errorf("trade %s: redeem confirmations: %w", record.ContractAddress, err)
		}
		if confs == 0 {
			return false, nil
		}
		// The secret is now on the foreign chain for the partner to find.
		record.TradeState = domain.StateWaitingForAtRedeemConfirm
		record.LastForeignTxid = ""
		return true, nil

	case domain.StateWaitingForAtRedeemConfirm:
		if view == nil || view.Mode != acct.ModeRedeemed {
			return false, nil
		}
		record.TradeState = domain.StateDone
		return true, nil

	case domain.StateRefunding:
		// The contract refunds itself at the refund height; nothing to
		// submit. The mode flip is caught by reconciliation above.
		return false, nil

	default:
		return false, fmt.Errorf("%w: initiator in state %s", ErrCorruptRecord, record.TradeState)
	}
}

// htlcFunded checks whether the foreign HTLC holds at least the agreed
// amount with enough confirmations.
func (s *Service) htlcFunded(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	if view == nil {
		return false, fmt.Errorf("trade %s: contract state unavailable", record.ContractAddress)
	}
	foreignSvc, _, err := s.foreign(record.AcctName)
	if err != nil {
		return false, err
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return false, err
	}
	_, addr, err := s.htlcAddress(view)
	if err != nil {
		return false, err
	}
	utxos, err := foreignSvc.ListUnspent(ctx, addr.EncodeAddress())
	if err != nil {
		return false, fmt.Errorf("trade %s: list unspent: %w", record.ContractAddress, err)
	}
	var confirmed int64
	for _, u := range utxos {
		if u.Confirmations >= settings.HtlcConfirmations {
			confirmed += u.Amount
		}
	}
	return confirmed >= int64(record.ForeignAmount), nil
}

// redeemForeignHtlc builds, signs and broadcasts the secret-revealing
// spend. At most one redeem may be in flight; a previous unconfirmed
// broadcast short-circuits the tick.
func (s *Service) redeemForeignHtlc(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	if record.LastForeignTxid != "" {
		record.TradeState = domain.StateRedeemingForeignHtlc
		return true, nil
	}
	if view == nil {
		return false, fmt.Errorf("trade %s: contract state unavailable", record.ContractAddress)
	}

	foreignSvc, _, err := s.foreign(record.AcctName)
	if err != nil {
		return false, err
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return false, err
	}
	script, addr, err := s.htlcAddress(view)
	if err != nil {
		return false, err
	}
	utxos, err := foreignSvc.ListUnspent(ctx, addr.EncodeAddress())
	if err != nil {
		return false, fmt.Errorf("trade %s: list unspent: %w", record.ContractAddress, err)
	}
	if len(utxos) == 0 {
		// Spent or reorged out from under us; re-derive next tick.
		record.TradeState = domain.StateWatchingForForeignFunding
		return true, nil
	}

	tradeKey, err := utils.ParseExtendedKey(record.ForeignKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	signingKey, err := utils.SigningKey(tradeKey)
	if err != nil {
		return false, err
	}
	payTo, err := s.payoutAddress(record)
	if err != nil {
		return false, err
	}

	tx, err := htlc.BuildRedeemTx(htlc.SpendArgs{
		Script:  script,
		Utxos:   toHtlcUtxos(utxos),
		PayTo:   payTo,
		FeeRate: settings.FeeRateSatPerVb,
		Key:     signingKey,
		Secret:  record.SecretA,
	})
	if err != nil {
		return false, fmt.Errorf("trade %s: build redeem: %w", record.ContractAddress, err)
	}
	raw, err := htlc.Serialize(tx)
	if err != nil {
		return false, err
	}
	txid, err := foreignSvc.Broadcast(ctx, raw)
	if err != nil {
		return false, fmt.Errorf("trade %s: broadcast redeem: %w", record.ContractAddress, err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": record.ContractAddress,
		"txid":     txid,
	}).Info("foreign htlc redeem broadcast, secret revealed")
	record.TradeState = domain.StateRedeemingForeignHtlc
	record.LastForeignTxid = txid
	return true, nil
}
