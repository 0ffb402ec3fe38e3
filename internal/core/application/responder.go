package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/domain"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/acct"
	"github.com/AquilaNetwork/aquila-tradebot/pkg/htlc"
	"github.com/AquilaNetwork/aquila-tradebot/utils"
	"github.com/sirupsen/logrus"
)

// tickResponder advances a responder ("Bob") trade by at most one
// transition per invocation.
func (s *Service) tickResponder(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData, height uint32,
) (bool, error) {
	if view == nil {
		return false, fmt.Errorf("trade %s: contract state unavailable", record.ContractAddress)
	}

	// Ground truth first. A refunded or cancelled contract overrides
	// whatever the persisted phase believes; the refund-height check runs
	// before any secret-based step.
	switch view.Mode {
	case acct.ModeCancelled:
		record.TradeState = domain.StateCancelled
		return true, nil
	case acct.ModeRedeemed:
		if record.TradeState == domain.StateRefunding {
			// A redeem landed before the contract refunded; the native
			// coins were paid to our receiving address after all.
			record.TradeState = domain.StateDone
			return true, nil
		}
	case acct.ModeRefunded:
		if record.TradeState != domain.StateRefunding && record.TradeState != domain.StateRefunded {
			// Native side refunded to the initiator; our foreign coins
			// still need reclaiming once the locktime passes. Any txid
			// carried from an earlier phase is a funding broadcast, not
			// a refund spend, and must not be treated as one.
			record.TradeState = domain.StateRefunding
			record.LastForeignTxid = ""
			return true, nil
		}
	case acct.ModeTrading:
		if height >= view.TradeRefundHeight && record.TradeState != domain.StateRefunding {
			logrus.WithField("contract", record.ContractAddress).
				Warn("refund height reached, switching to refund path")
			record.TradeState = domain.StateRefunding
			record.LastForeignTxid = ""
			return true, nil
		}
	}

	switch record.TradeState {
	case domain.StateDiscoveredOffer:
		// StartResponse normally persists records past this phase; a
		// record parked here means the assignment was never sent. Once
		// the offer stops being open the attempt is over.
		if view.Mode != acct.ModeOffering {
			record.TradeState = domain.StateTradeAlreadyExists
			return true, nil
		}
		return false, nil

	case domain.StateAssigningPartner:
		switch view.Mode {
		case acct.ModeOffering:
			// Assignment still unconfirmed.
			return false, nil
		case acct.ModeTrading:
			if view.PartnerAddress != s.cfg.OwnAddress {
				logrus.WithField("contract", record.ContractAddress).
					Info("another responder won the assignment race")
				record.TradeState = domain.StateTradeAlreadyExists
				return true, nil
			}
			record.TradeState = domain.StateFundingForeignHtlc
			record.TradeRefundHeight = view.TradeRefundHeight
			record.LastLedgerSignature = ""
			return true, nil
		default:
			record.TradeState = domain.StateTradeAlreadyExists
			return true, nil
		}

	case domain.StateFundingForeignHtlc:
		return s.fundForeignHtlc(ctx, record, view)

	case domain.StateWaitingForHtlcConfirms:
		foreignSvc, _, err := s.foreign(record.AcctName)
		if err != nil {
			return false, err
		}
		settings, err := s.settings(ctx)
		if err != nil {
			return false, err
		}
		confs, err := foreignSvc.TxConfirmations(ctx, record.LastForeignTxid)
		if err != nil {
			return false, fmt.Errorf("trade %s: funding confirmations: %w", record.ContractAddress, err)
		}
		if confs < settings.HtlcConfirmations {
			return false, nil
		}
		record.TradeState = domain.StateWatchingForSecretReveal
		record.LastForeignTxid = ""
		return true, nil

	case domain.StateWatchingForSecretReveal:
		return s.watchForSecret(ctx, record, view)

	case domain.StateRedeemingAt:
		return s.redeemContract(ctx, record, view)

	case domain.StateRefunding:
		return s.refundForeignHtlc(ctx, record, view)

	default:
		return false, fmt.Errorf("%w: responder in state %s", ErrCorruptRecord, record.TradeState)
	}
}

// fundForeignHtlc pays the agreed amount into the HTLC address from the
// foreign wallet. A previous unconfirmed funding blocks a second send.
func (s *Service) fundForeignHtlc(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	if record.LastForeignTxid != "" {
		record.TradeState = domain.StateWaitingForHtlcConfirms
		return true, nil
	}

	foreignSvc, _, err := s.foreign(record.AcctName)
	if err != nil {
		return false, err
	}
	_, addr, err := s.htlcAddress(view)
	if err != nil {
		return false, err
	}

	txid, err := foreignSvc.SendToAddress(ctx, addr.EncodeAddress(), int64(record.ForeignAmount))
	if err != nil {
		return false, fmt.Errorf("trade %s: fund htlc: %w", record.ContractAddress, err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": record.ContractAddress,
		"address":  addr.EncodeAddress(),
		"amount":   record.ForeignAmount,
		"txid":     txid,
	}).Info("foreign htlc funded")
	record.TradeState = domain.StateWaitingForHtlcConfirms
	record.LastForeignTxid = txid
	return true, nil
}

// watchForSecret scans spends of the HTLC output for the initiator's
// secret. Finding nothing is the normal waiting state, not an error.
func (s *Service) watchForSecret(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	foreignSvc, _, err := s.foreign(record.AcctName)
	if err != nil {
		return false, err
	}
	script, addr, err := s.htlcAddress(view)
	if err != nil {
		return false, err
	}

	// The foreign locktime is the responder's structural exit: no reveal
	// by then means the initiator walked away.
	tipTime, err := foreignSvc.TipTime(ctx)
	if err != nil {
		return false, fmt.Errorf("trade %s: foreign tip time: %w", record.ContractAddress, err)
	}
	if htlc.LockTimeReached(record.LockTimeA, tipTime) {
		record.TradeState = domain.StateRefunding
		return true, nil
	}

	rawTxs, err := foreignSvc.AddressTransactions(ctx, addr.EncodeAddress())
	if err != nil {
		return false, fmt.Errorf("trade %s: address txs: %w", record.ContractAddress, err)
	}
	secret, err := htlc.ExtractSecret(rawTxs, script, record.HashOfSecretA)
	if err != nil {
		return false, fmt.Errorf("trade %s: extract secret: %w", record.ContractAddress, err)
	}
	if secret == nil {
		return false, nil
	}

	logrus.WithField("contract", record.ContractAddress).
		Info("trade secret discovered on foreign chain")
	record.SecretA = secret
	record.TradeState = domain.StateRedeemingAt
	return true, nil
}

// redeemContract submits the discovered secret to the contract and waits
// for the mode to flip to REDEEMED.
func (s *Service) redeemContract(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	if view.Mode == acct.ModeRedeemed {
		record.TradeState = domain.StateDone
		record.LastLedgerSignature = ""
		return true, nil
	}
	if record.LastLedgerSignature != "" {
		// Redeem in flight, await confirmation.
		return false, nil
	}

	payload, err := acct.BuildRedeem(acct.RedeemArgs{
		Secret:           record.SecretA,
		RecipientAddress: record.ReceivingAddress,
	})
	if err != nil {
		return false, err
	}
	signature, err := s.ledger.SendMessage(ctx, record.ContractAddress, payload)
	if err != nil {
		if errors.Is(err, ports.ErrMessageRejected) {
			// The contract disagrees with a secret we verified against
			// its own hash lock: never retried blindly, left for the
			// refund path and manual inspection.
			return false, fmt.Errorf("%w: contract rejected verified secret: %v", ErrCorruptRecord, err)
		}
		return false, fmt.Errorf("trade %s: send redeem: %w", record.ContractAddress, err)
	}

	logrus.WithFields(logrus.Fields{
		"contract":  record.ContractAddress,
		"recipient": record.ReceivingAddress,
	}).Info("contract redeem submitted")
	record.LastLedgerSignature = signature
	return true, nil
}

// refundForeignHtlc reclaims the responder's coins through the timeout
// path once the foreign chain's clock allows it.
func (s *Service) refundForeignHtlc(
	ctx context.Context, record *domain.TradeRecord, view *acct.CrossChainTradeData,
) (bool, error) {
	foreignSvc, _, err := s.foreign(record.AcctName)
	if err != nil {
		return false, err
	}

	if record.LastForeignTxid != "" {
		confs, err := foreignSvc.TxConfirmations(ctx, record.LastForeignTxid)
		if err != nil {
			return false, fmt.Errorf("trade %s: refund confirmations: %w", record.ContractAddress, err)
		}
		if confs == 0 {
			return false, nil
		}
		record.TradeState = domain.StateRefunded
		return true, nil
	}

	tipTime, err := foreignSvc.TipTime(ctx)
	if err != nil {
		return false, fmt.Errorf("trade %s: foreign tip time: %w", record.ContractAddress, err)
	}
	if !htlc.LockTimeReached(record.LockTimeA, tipTime) {
		return false, nil
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
		// Nothing left to reclaim: either we never funded or the
		// initiator redeemed at the last moment.
		record.TradeState = domain.StateRefunded
		return true, nil
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return false, err
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

	tx, err := htlc.BuildRefundTx(htlc.SpendArgs{
		Script:  script,
		Utxos:   toHtlcUtxos(utxos),
		PayTo:   payTo,
		FeeRate: settings.FeeRateSatPerVb,
		Key:     signingKey,
	})
	if err != nil {
		return false, fmt.Errorf("trade %s: build refund: %w", record.ContractAddress, err)
	}
	raw, err := htlc.Serialize(tx)
	if err != nil {
		return false, err
	}
	txid, err := foreignSvc.Broadcast(ctx, raw)
	if err != nil {
		return false, fmt.Errorf("trade %s: broadcast refund: %w", record.ContractAddress, err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": record.ContractAddress,
		"txid":     txid,
	}).Info("foreign htlc refund broadcast")
	record.LastForeignTxid = txid
	return true, nil
}
