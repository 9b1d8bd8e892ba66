package hub

import (
	"context"
	"fmt"
	"math/big"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
	"github.com/scpnetwork/scp-go/store"
	"github.com/scpnetwork/scp-go/webhook"
)

// QuoteRequest asks the hub to price a payment before any state changes
// hands.
type QuoteRequest struct {
	PaymentID   string `json:"paymentId"`
	InvoiceID   string `json:"invoiceId"`
	Payee       string `json:"payee"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	MaxFee      string `json:"maxFee"`
	ChannelID   string `json:"channelId"`
	QuoteExpiry int64  `json:"quoteExpiry"`
	ContextHash string `json:"contextHash,omitempty"`
	PaymentMemo string `json:"paymentMemo,omitempty"`
}

func (r *QuoteRequest) validate() error {
	switch {
	case r.PaymentID == "":
		return scp.ErrValidation("paymentId is required")
	case r.InvoiceID == "":
		return scp.ErrValidation("invoiceId is required")
	case !scp.IsHexAddress(r.Payee):
		return scp.ErrValidation("payee must be a 0x address")
	case !scp.IsHexAddress(r.Asset):
		return scp.ErrValidation("asset must be a 0x address")
	case !scp.IsHex32(r.ChannelID):
		return scp.ErrValidation("channelId must be a 0x 32-byte hex string")
	}
	if _, err := scp.ParseAmount(r.Amount); err != nil {
		return scp.ErrValidation("amount: %v", err)
	}
	if _, err := scp.ParseAmount(r.MaxFee); err != nil {
		return scp.ErrValidation("maxFee: %v", err)
	}
	if r.ContextHash != "" && !scp.IsHex32(r.ContextHash) {
		return scp.ErrValidation("contextHash must be a 0x 32-byte hex string")
	}
	return nil
}

// Quote prices a payment and stores a single-use quote for it. The quote
// expires at the earlier of the requested expiry and now+120s.
func (h *Hub) Quote(ctx context.Context, req *QuoteRequest) (*scp.Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.QuoteExpiry <= nowSec() {
		return nil, scp.ErrValidation("quoteExpiry must be future unix ts")
	}
	if _, err := h.SweepExpiredQuotes(ctx); err != nil {
		return nil, err
	}
	existing, err := h.store.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "paymentId already exists")
	}

	amount, _ := scp.ParseAmount(req.Amount)
	maxFee, _ := scp.ParseAmount(req.MaxFee)
	fee, breakdown := h.CalcFee(amount)
	if fee.Cmp(maxFee) > 0 {
		return nil, scp.NewError(scp.CodeFeeExceedsMax, 400, false, "fee > maxFee")
	}

	totalDebit := new(big.Int).Add(amount, fee)
	expiry := req.QuoteExpiry
	if latest := nowSec() + int64(QuoteTTL.Seconds()); expiry > latest {
		expiry = latest
	}
	policy, err := policyHash(map[string]any{
		"channelId":   req.ChannelID,
		"chainId":     h.domain.ChainID.Uint64(),
		"paymentMemo": req.PaymentMemo,
	})
	if err != nil {
		return nil, err
	}
	quote := &scp.Quote{
		InvoiceID: req.InvoiceID,
		PaymentID: req.PaymentID,
		TicketDraft: scp.TicketDraft{
			TicketID:   randomID("tkt"),
			Hub:        h.address.Hex(),
			Payee:      req.Payee,
			InvoiceID:  req.InvoiceID,
			PaymentID:  req.PaymentID,
			Asset:      req.Asset,
			Amount:     req.Amount,
			FeeCharged: fee.String(),
			TotalDebit: totalDebit.String(),
			Expiry:     expiry,
			PolicyHash: policy,
		},
		Fee:          fee.String(),
		TotalDebit:   totalDebit.String(),
		Expiry:       expiry,
		FeeBreakdown: *breakdown,
	}

	contextHash := req.ContextHash
	if contextHash == "" {
		contextHash = scp.ZeroHash32
	}
	err = h.store.Tx(ctx, func(s *store.State) error {
		if _, ok := s.Payments[req.PaymentID]; ok {
			return scp.ErrConflict(scp.CodePolicyViolation, "paymentId already exists")
		}
		s.Quotes[scp.QuoteKey(req.InvoiceID, req.PaymentID)] = &scp.QuoteRecord{
			Quote:       *quote,
			ChannelID:   req.ChannelID,
			ContextHash: contextHash,
			CreatedAt:   nowSec(),
		}
		s.Payments[req.PaymentID] = &scp.Payment{
			PaymentID: req.PaymentID,
			Status:    scp.PaymentQuoted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// IssueRequest exchanges a stored quote plus a payer-signed channel state for
// a hub-signed ticket.
type IssueRequest struct {
	Quote        scp.Quote        `json:"quote"`
	ChannelState scp.ChannelState `json:"channelState"`
	SigA         string           `json:"sigA"`
}

// IssueResponse is the signed ticket plus the hub's counter-signature over
// the accepted state, and the nested hub→payee advance when that channel is
// open.
type IssueResponse struct {
	scp.Ticket
	ChannelAck    *scp.ChannelAck    `json:"channelAck"`
	HubChannelAck *scp.HubChannelAck `json:"hubChannelAck,omitempty"`
}

func (r *IssueRequest) validate() error {
	switch {
	case r.Quote.PaymentID == "" || r.Quote.InvoiceID == "":
		return scp.ErrValidation("quote.invoiceId and quote.paymentId are required")
	case !scp.IsHex32(r.ChannelState.ChannelID):
		return scp.ErrValidation("channelState.channelId must be a 0x 32-byte hex string")
	case !scp.IsHexSig(r.SigA):
		return scp.ErrValidation("sigA must be a 0x hex signature")
	}
	if _, err := scp.ParseAmount(r.ChannelState.BalA); err != nil {
		return scp.ErrValidation("channelState.balA: %v", err)
	}
	if _, err := scp.ParseAmount(r.ChannelState.BalB); err != nil {
		return scp.ErrValidation("channelState.balB: %v", err)
	}
	return nil
}

// Issue validates the submitted quote and channel state, signs the ticket,
// counter-signs the state, and commits every record in one transaction. The
// quote is consumed whether or not the caller retries afterward.
func (h *Hub) Issue(ctx context.Context, req *IssueRequest) (*IssueResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	key := scp.QuoteKey(req.Quote.InvoiceID, req.Quote.PaymentID)
	stored, err := h.store.GetQuote(ctx, key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, scp.ErrConflict(scp.CodeQuoteExpired, "quote not found")
	}
	quote := stored.Quote
	same, err := scp.CanonicalEqual(req.Quote, quote)
	if err != nil {
		return nil, err
	}
	if !same {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "quote mismatch")
	}
	if quote.Expiry < nowSec() {
		return nil, scp.ErrConflict(scp.CodeQuoteExpired, "quote expired")
	}
	st := &req.ChannelState
	if st.ChannelID != stored.ChannelID {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "channel mismatch")
	}
	if stored.ContextHash != "" && st.ContextHash != stored.ContextHash {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "context hash mismatch")
	}
	if st.StateExpiry <= nowSec() {
		return nil, scp.ErrConflict(scp.CodeStateExpired, "state expired")
	}
	recoveredA, err := h.domain.RecoverChannelStateSigner(st, req.SigA)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "invalid sigA")
	}

	stateBalA, _ := scp.ParseAmount(st.BalA)
	stateBalB, _ := scp.ParseAmount(st.BalB)
	stateTotal := new(big.Int).Add(stateBalA, stateBalB)
	quoteDebit, err := scp.ParseAmount(quote.TotalDebit)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "invalid totalDebit: %v", err)
	}

	existingChannel, err := h.store.GetChannel(ctx, st.ChannelID)
	if err != nil {
		return nil, err
	}
	if existingChannel != nil && existingChannel.LatestState != nil {
		if err := h.checkKnownChannelAdvance(existingChannel, st, recoveredA.Hex(), stateTotal, quoteDebit); err != nil {
			return nil, err
		}
	} else {
		// First payment on a channel the hub has never seen: verify it
		// on-chain before signing anything, otherwise an attacker can
		// fabricate balances and collect tickets the hub cannot collect on.
		if err := h.checkFirstChannelAdvance(ctx, st, recoveredA.Hex(), stateBalA, stateBalB, stateTotal, quoteDebit); err != nil {
			return nil, err
		}
	}

	sig, err := sign.SignTicketDraft(quote.TicketDraft, h.key)
	if err != nil {
		return nil, err
	}
	ticket := scp.Ticket{TicketDraft: quote.TicketDraft, Sig: sig}

	sigB, err := h.domain.SignChannelState(st, h.key)
	if err != nil {
		return nil, err
	}
	stateHash, err := h.domain.HashChannelState(st)
	if err != nil {
		return nil, err
	}
	ack := &scp.ChannelAck{
		StateNonce: st.StateNonce,
		StateHash:  stateHash.Hex(),
		SigB:       sigB,
	}

	var hubAck *scp.HubChannelAck
	err = h.store.Tx(ctx, func(s *store.State) error {
		if _, ok := s.Quotes[key]; !ok {
			return scp.ErrConflict(scp.CodeQuoteExpired, "quote not found")
		}
		if ch := s.Channels[st.ChannelID]; ch != nil && ch.LatestNonce >= st.StateNonce {
			return scp.ErrConflict(scp.CodeNonceConflict, "stateNonce must increase by 1")
		}
		delete(s.Quotes, key)

		payment := &scp.Payment{
			PaymentID:  quote.PaymentID,
			Status:     scp.PaymentIssued,
			CreatedAt:  nowSec(),
			InvoiceID:  quote.InvoiceID,
			TicketID:   ticket.TicketID,
			StateNonce: st.StateNonce,
			ChannelID:  st.ChannelID,
			Payee:      ticket.Payee,
			Asset:      ticket.Asset,
			Amount:     ticket.Amount,
			Fee:        ticket.FeeCharged,
			TotalDebit: ticket.TotalDebit,
		}
		s.Payments[quote.PaymentID] = payment
		s.IndexIssuedPayment(payment)
		stateCopy := *st
		s.Channels[st.ChannelID] = &scp.ChannelRecord{
			ChannelID:    st.ChannelID,
			LatestNonce:  st.StateNonce,
			Status:       "open",
			LatestState:  &stateCopy,
			ParticipantA: recoveredA.Hex(),
			SigA:         req.SigA,
			SigB:         sigB,
		}
		seq := s.NextSeq
		s.AppendLedger(ticket.Payee, &scp.LedgerEntry{
			Seq:       seq,
			CreatedAt: nowSec(),
			PaymentID: quote.PaymentID,
			InvoiceID: quote.InvoiceID,
			TicketID:  ticket.TicketID,
			Amount:    ticket.Amount,
			Asset:     ticket.Asset,
			Status:    scp.LedgerIssued,
		})
		s.NextSeq = seq + 1

		var advErr error
		hubAck, advErr = h.advanceHubChannel(s, &ticket, st.ContextHash)
		return advErr
	})
	if err != nil {
		return nil, err
	}

	h.hooks.Emit(webhook.EventPaymentReceived, map[string]any{
		"channelId": st.ChannelID,
		"paymentId": quote.PaymentID,
		"ticketId":  ticket.TicketID,
		"payee":     ticket.Payee,
		"amount":    ticket.Amount,
		"asset":     ticket.Asset,
	})
	// Warn subscribers when the payer has burned through 90% of the channel.
	ten := big.NewInt(10)
	if stateTotal.Sign() > 0 && new(big.Int).Mul(stateBalA, ten).Cmp(stateTotal) < 0 {
		pct := new(big.Int).Mul(stateBalA, big.NewInt(100))
		pct.Quo(pct, stateTotal)
		h.hooks.Emit(webhook.EventBalanceLow, map[string]any{
			"channelId":    st.ChannelID,
			"balA":         stateBalA.String(),
			"totalBalance": stateTotal.String(),
			"pctRemaining": pct.Int64(),
		})
	}

	return &IssueResponse{Ticket: ticket, ChannelAck: ack, HubChannelAck: hubAck}, nil
}

// checkKnownChannelAdvance enforces nonce, participant, conservation, and
// debit-delta rules against the last countersigned state.
func (h *Hub) checkKnownChannelAdvance(ch *scp.ChannelRecord, st *scp.ChannelState, signer string, stateTotal, quoteDebit *big.Int) error {
	if st.StateNonce != ch.LatestNonce+1 {
		return scp.ErrConflict(scp.CodeNonceConflict, "stateNonce must increase by 1")
	}
	if !scp.SameAddress(ch.ParticipantA, signer) {
		return scp.ErrConflict(scp.CodePolicyViolation, "participantA mismatch")
	}
	prevBalA, err := scp.ParseAmount(ch.LatestState.BalA)
	if err != nil {
		return scp.ErrConflict(scp.CodePolicyViolation, "prev balA: %v", err)
	}
	prevBalB, err := scp.ParseAmount(ch.LatestState.BalB)
	if err != nil {
		return scp.ErrConflict(scp.CodePolicyViolation, "prev balB: %v", err)
	}
	prevTotal := new(big.Int).Add(prevBalA, prevBalB)
	if stateTotal.Cmp(prevTotal) != 0 {
		return scp.ErrConflict(scp.CodePolicyViolation, "channel balance invariant violated")
	}
	stateBalA, _ := scp.ParseAmount(st.BalA)
	stateBalB, _ := scp.ParseAmount(st.BalB)
	debitA := new(big.Int).Sub(prevBalA, stateBalA)
	creditB := new(big.Int).Sub(stateBalB, prevBalB)
	if debitA.Cmp(quoteDebit) != 0 || creditB.Cmp(quoteDebit) != 0 {
		return scp.ErrConflict(scp.CodePolicyViolation, "state delta must equal quote totalDebit")
	}
	return nil
}

// checkFirstChannelAdvance verifies a first-seen channel against the chain.
func (h *Hub) checkFirstChannelAdvance(ctx context.Context, st *scp.ChannelState, signer string, stateBalA, stateBalB, stateTotal, quoteDebit *big.Int) error {
	if st.StateNonce < 1 {
		return scp.ErrConflict(scp.CodeNonceConflict, "first stateNonce must be >= 1")
	}
	if h.chain == nil {
		return scp.ErrUnavailable(scp.CodeSettlementUnavailable,
			"on-chain verification required for first payment on a channel")
	}
	onchain, err := h.chain.GetChannel(ctx, hashFromHex(st.ChannelID))
	if err != nil {
		return scp.ErrConflict(scp.CodeChannelNotFound, "on-chain channel lookup failed: %v", err)
	}
	if !onchain.Exists() {
		return scp.ErrConflict(scp.CodeChannelNotFound, "channel does not exist on-chain")
	}
	hubAddr := h.address.Hex()
	pA := onchain.ParticipantA.Hex()
	pB := onchain.ParticipantB.Hex()
	if !scp.SameAddress(pA, hubAddr) && !scp.SameAddress(pB, hubAddr) {
		return scp.ErrConflict(scp.CodePolicyViolation, "hub is not a participant in this channel")
	}
	expectedPayer := pB
	if scp.SameAddress(pB, hubAddr) {
		expectedPayer = pA
	}
	if !scp.SameAddress(signer, expectedPayer) {
		return scp.ErrConflict(scp.CodePolicyViolation, "sigA must recover to the non-hub channel participant")
	}
	if onchain.IsClosing {
		return scp.ErrConflict(scp.CodePolicyViolation, "channel is closing")
	}
	if onchain.ChannelExpiry > 0 && int64(onchain.ChannelExpiry) <= nowSec() {
		return scp.ErrConflict(scp.CodePolicyViolation, "channel expired on-chain")
	}
	if stateTotal.Cmp(onchain.TotalBalance) != 0 {
		return scp.ErrConflict(scp.CodePolicyViolation,
			"state balance total (%s) != on-chain totalBalance (%s)", stateTotal, onchain.TotalBalance)
	}
	debitA := new(big.Int).Sub(onchain.TotalBalance, stateBalA)
	if debitA.Cmp(quoteDebit) != 0 || stateBalB.Cmp(quoteDebit) != 0 {
		return scp.ErrConflict(scp.CodePolicyViolation,
			"first state delta must equal quote totalDebit from full payer balance")
	}
	return nil
}

// advanceHubChannel moves the payment amount across the hub's downstream
// channel with the payee, inside the issuing transaction. The fee stays with
// the hub; only the payment amount cascades.
func (h *Hub) advanceHubChannel(s *store.State, ticket *scp.Ticket, contextHash string) (*scp.HubChannelAck, error) {
	hc := s.HubChannels[lower(ticket.Payee)]
	if hc == nil || hc.ChannelID == "" || hc.Status == "closed" {
		return nil, nil
	}
	amount, err := scp.ParseAmount(ticket.Amount)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "ticket amount: %v", err)
	}
	balA, err := scp.ParseAmount(hc.BalA)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "hub-payee channel balA: %v", err)
	}
	balB, err := scp.ParseAmount(hc.BalB)
	if err != nil {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "hub-payee channel balB: %v", err)
	}
	if balA.Cmp(amount) < 0 {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "hub-payee channel balance insufficient")
	}
	if contextHash == "" {
		contextHash = scp.ZeroHash32
	}
	newBalA := new(big.Int).Sub(balA, amount)
	newBalB := new(big.Int).Add(balB, amount)
	next := &scp.ChannelState{
		ChannelID:   hc.ChannelID,
		StateNonce:  hc.Nonce + 1,
		BalA:        newBalA.String(),
		BalB:        newBalB.String(),
		LocksRoot:   scp.ZeroHash32,
		StateExpiry: nowSec() + 3600,
		ContextHash: contextHash,
	}
	sigA, err := h.domain.SignChannelState(next, h.key)
	if err != nil {
		return nil, fmt.Errorf("signing hub-payee state: %w", err)
	}
	hc.BalA = next.BalA
	hc.BalB = next.BalB
	hc.Nonce = next.StateNonce
	hc.LatestState = next
	hc.SigA = sigA
	hc.Status = "open"
	return &scp.HubChannelAck{
		ChannelID:  hc.ChannelID,
		StateNonce: next.StateNonce,
		BalB:       next.BalB,
		SigA:       sigA,
	}, nil
}
