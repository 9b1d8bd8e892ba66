package hub

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/store"
	"github.com/scpnetwork/scp-go/webhook"
)

// RefundRequest asks the hub to reverse an issued ticket, fully or in part.
// Only the payee the ticket was issued to may request it; the transport
// layer authenticates that before calling Refund.
type RefundRequest struct {
	TicketID     string `json:"ticketId"`
	RefundAmount string `json:"refundAmount"`
	Reason       string `json:"reason,omitempty"`
}

// RefundResponse carries the refund receipt plus a hub-signed compensating
// channel state the payer counter-signs to reclaim the funds.
type RefundResponse struct {
	TicketID           string            `json:"ticketId"`
	Amount             string            `json:"amount"`
	StateNonce         uint64            `json:"stateNonce"`
	ReceiptID          string            `json:"receiptId"`
	RefundedTotalDebit string            `json:"refundedTotalDebit"`
	ChannelState       *scp.ChannelState `json:"channelState"`
	ChannelAck         *scp.ChannelAck   `json:"channelAck"`
}

// RefundTarget resolves the issued payment a refund request points at. It is
// how the transport layer learns which payee must authenticate the request.
func (h *Hub) RefundTarget(ctx context.Context, ticketID string) (*scp.Payment, error) {
	payment, err := h.store.PaymentByTicketID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.Status != scp.PaymentIssued {
		return nil, scp.ErrNotFound(scp.CodeChannelNotFound, "ticket not found or already refunded")
	}
	return payment, nil
}

// Refund reverses an issued ticket. The refunded debit is the requested
// amount plus a pro-rata share of the fee; a full refund returns the whole
// totalDebit. The hub pre-signs a compensating state at nonce+1 moving the
// debit back to the payer.
func (h *Hub) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	if req.TicketID == "" {
		return nil, scp.ErrValidation("ticketId is required")
	}
	refundAmount, err := scp.ParseAmount(req.RefundAmount)
	if err != nil {
		return nil, scp.ErrValidation("refundAmount: %v", err)
	}

	payment, err := h.RefundTarget(ctx, req.TicketID)
	if err != nil {
		return nil, err
	}
	originalAmount, err := scp.ParseAmount(payment.Amount)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "payment amount: %v", err)
	}
	if refundAmount.Cmp(originalAmount) > 0 {
		return nil, scp.ErrValidation("refund exceeds original amount")
	}
	originalDebit, err := scp.ParseAmount(payment.TotalDebit)
	if err != nil {
		originalDebit = originalAmount
	}
	refundDebit := refundedDebit(originalAmount, originalDebit, refundAmount)
	if refundDebit.Sign() <= 0 {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "invalid refund debit")
	}

	receiptID := randomID("rfd")
	var refundState *scp.ChannelState
	var ack *scp.ChannelAck
	err = h.store.Tx(ctx, func(s *store.State) error {
		p := s.Payments[payment.PaymentID]
		if p == nil || p.Status != scp.PaymentIssued {
			return scp.ErrNotFound(scp.CodeChannelNotFound, "ticket not found or already refunded")
		}
		ch := s.Channels[payment.ChannelID]
		if ch == nil || ch.LatestState == nil {
			return scp.ErrConflict(scp.CodeChannelNotFound, "channel state unavailable for refund")
		}
		prevBalA, err := scp.ParseAmount(ch.LatestState.BalA)
		if err != nil {
			return scp.ErrConflict(scp.CodePolicyViolation, "prev balA: %v", err)
		}
		prevBalB, err := scp.ParseAmount(ch.LatestState.BalB)
		if err != nil {
			return scp.ErrConflict(scp.CodePolicyViolation, "prev balB: %v", err)
		}
		if prevBalB.Cmp(refundDebit) < 0 {
			return scp.ErrConflict(scp.CodePolicyViolation, "insufficient channel balB for refund")
		}

		locksRoot := ch.LatestState.LocksRoot
		if locksRoot == "" {
			locksRoot = scp.ZeroHash32
		}
		refundState = &scp.ChannelState{
			ChannelID:   ch.LatestState.ChannelID,
			StateNonce:  ch.LatestNonce + 1,
			BalA:        new(big.Int).Add(prevBalA, refundDebit).String(),
			BalB:        new(big.Int).Sub(prevBalB, refundDebit).String(),
			LocksRoot:   locksRoot,
			StateExpiry: nowSec() + 120,
			ContextHash: refundContextHash(payment.PaymentID, receiptID, req.Reason),
		}
		sigB, err := h.domain.SignChannelState(refundState, h.key)
		if err != nil {
			return fmt.Errorf("signing refund state: %w", err)
		}
		stateHash, err := h.domain.HashChannelState(refundState)
		if err != nil {
			return err
		}
		ack = &scp.ChannelAck{
			StateNonce: refundState.StateNonce,
			StateHash:  stateHash.Hex(),
			SigB:       sigB,
		}

		p.Status = scp.PaymentRefunded
		p.RefundedAt = nowSec()
		p.RefundReceiptID = receiptID
		p.RefundAmount = req.RefundAmount
		p.RefundTotalDebit = refundDebit.String()

		ch.LatestNonce = refundState.StateNonce
		ch.LatestState = refundState
		ch.SigA = ""
		ch.SigB = sigB

		for _, entry := range s.Ledger(payment.Payee) {
			if entry.PaymentID == payment.PaymentID && entry.Status == scp.LedgerIssued {
				entry.Status = scp.LedgerRefunded
				entry.RefundedAt = nowSec()
				entry.RefundReceiptID = receiptID
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.hooks.Emit(webhook.EventPaymentRefunded, map[string]any{
		"ticketId":   req.TicketID,
		"receiptId":  receiptID,
		"amount":     req.RefundAmount,
		"stateNonce": refundState.StateNonce,
		"channelId":  refundState.ChannelID,
	})

	return &RefundResponse{
		TicketID:           req.TicketID,
		Amount:             req.RefundAmount,
		StateNonce:         refundState.StateNonce,
		ReceiptID:          receiptID,
		RefundedTotalDebit: refundDebit.String(),
		ChannelState:       refundState,
		ChannelAck:         ack,
	}, nil
}

// refundedDebit computes how much channel balance moves back to the payer: a
// full refund returns amount plus the entire fee, a partial one amount plus
// the proportional fee share.
func refundedDebit(originalAmount, originalDebit, refundAmount *big.Int) *big.Int {
	if refundAmount.Cmp(originalAmount) == 0 {
		return new(big.Int).Set(originalDebit)
	}
	fee := new(big.Int).Sub(originalDebit, originalAmount)
	feeRefund := new(big.Int)
	if originalAmount.Sign() > 0 {
		feeRefund.Mul(fee, refundAmount)
		feeRefund.Quo(feeRefund, originalAmount)
	}
	return new(big.Int).Add(refundAmount, feeRefund)
}

func refundContextHash(paymentID, receiptID, reason string) string {
	msg := fmt.Sprintf("refund:%s:%s:%s", paymentID, receiptID, reason)
	return crypto.Keccak256Hash([]byte(msg)).Hex()
}
