// Package verify is the payee-side library: it checks payment headers
// presented by payers, guards against replays and channel-level
// double-spends, and optionally confirms hub-routed payments with the hub
// that issued them.
package verify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
)

// Expect pins what the payee is willing to accept. Empty fields are not
// checked.
type Expect struct {
	Hub    string
	Payee  string
	Amount string
	Asset  string
}

// Result is a successful verification. Exactly one of Ticket or Direct is
// set. For replays, Response holds the byte-identical response served the
// first time.
type Result struct {
	Scheme       string
	Signer       string
	PaymentID    string
	Ticket       *scp.Ticket
	ChannelProof *scp.ChannelProof
	Direct       *scp.DirectPayment
	Replayed     bool
	Response     []byte
}

// Invoice is what the payee expects to be paid for one invoice id.
type Invoice struct {
	Amount string
	Asset  string
}

// InvoiceLookup resolves an invoice id to the expected invoice terms. A nil
// lookup accepts every invoice id.
type InvoiceLookup interface {
	Lookup(invoiceID string) (*Invoice, bool)
}

// InvoiceMap is an InvoiceLookup over a fixed map.
type InvoiceMap map[string]Invoice

func (m InvoiceMap) Lookup(invoiceID string) (*Invoice, bool) {
	inv, ok := m[invoiceID]
	if !ok {
		return nil, false
	}
	return &inv, true
}

// InvoiceFunc adapts a function to InvoiceLookup.
type InvoiceFunc func(invoiceID string) (*Invoice, bool)

func (f InvoiceFunc) Lookup(invoiceID string) (*Invoice, bool) { return f(invoiceID) }

// checkInvoice validates the invoice exists and, when it carries terms, that
// the payment proof matches them.
func checkInvoice(invoices InvoiceLookup, invoiceID, amount, asset string) error {
	if invoices == nil {
		return nil
	}
	inv, ok := invoices.Lookup(invoiceID)
	if !ok {
		return fmt.Errorf("unknown invoice")
	}
	if inv == nil {
		return nil
	}
	if inv.Amount != "" && amount != inv.Amount {
		return fmt.Errorf("invoice amount mismatch")
	}
	if inv.Asset != "" && !strings.EqualFold(asset, inv.Asset) {
		return fmt.Errorf("invoice asset mismatch")
	}
	return nil
}

// ReplayCache maps paymentId to the response served for it, so a retried
// payment replays the identical response instead of double-charging.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[string][]byte
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: make(map[string][]byte)}
}

// Get returns the cached response and whether the payment was seen.
func (c *ReplayCache) Get(paymentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.seen[paymentID]
	return resp, ok
}

// Put records the response served for a payment.
func (c *ReplayCache) Put(paymentID string, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[paymentID] = response
}

// ChannelTracker tracks per-channel nonce and payee-balance progression for
// direct payments: each accepted state must advance the nonce and move at
// least the payment amount toward the payee, which is what stops a payer
// reusing one signed state for many payments.
type ChannelTracker struct {
	mu       sync.Mutex
	channels map[string]*channelMark
}

type channelMark struct {
	nonce uint64
	balB  string
}

func NewChannelTracker() *ChannelTracker {
	return &ChannelTracker{channels: make(map[string]*channelMark)}
}

// Advance validates and records a direct payment's state progression.
func (t *ChannelTracker) Advance(state *scp.ChannelState, amount string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.channels[state.ChannelID]
	prevNonce := uint64(0)
	prevBalB := "0"
	if prev != nil {
		prevNonce = prev.nonce
		prevBalB = prev.balB
	}
	if state.StateNonce <= prevNonce {
		return fmt.Errorf("stale direct nonce")
	}
	balB, err := scp.ParseAmount(state.BalB)
	if err != nil {
		return fmt.Errorf("balB: %w", err)
	}
	prevBal, err := scp.ParseAmount(prevBalB)
	if err != nil {
		return fmt.Errorf("prev balB: %w", err)
	}
	amt, err := scp.ParseAmount(amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	delta := balB.Sub(balB, prevBal)
	if delta.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient direct delta")
	}
	if state.StateExpiry != 0 && state.StateExpiry < nowSec() {
		return fmt.Errorf("state expired")
	}
	t.channels[state.ChannelID] = &channelMark{nonce: state.StateNonce, balB: state.BalB}
	return nil
}

// VerifyTicket checks the ticket signature and returns the signer address.
func VerifyTicket(t *scp.Ticket) (string, error) {
	if t == nil || t.Sig == "" {
		return "", fmt.Errorf("bad ticket sig")
	}
	signer, err := sign.RecoverTicketSigner(*t)
	if err != nil {
		return "", fmt.Errorf("bad ticket sig")
	}
	return signer.Hex(), nil
}

// VerifyPayment checks a hub-routed payment header offline: ticket
// signature, expected hub/payee/amount, ticket expiry, and the optional
// channel proof under the given signing domain.
func VerifyPayment(domain *sign.Domain, header string, expect Expect) (*Result, error) {
	payload, err := scp.ParsePaymentHeader(header)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid header")
	}
	if payload.Scheme != "" && payload.Scheme != scp.SchemeHub {
		return nil, fmt.Errorf("wrong scheme")
	}
	if payload.Ticket == nil {
		return nil, fmt.Errorf("no ticket")
	}
	signer, err := VerifyTicket(payload.Ticket)
	if err != nil {
		return nil, err
	}
	if expect.Hub != "" && !scp.SameAddress(signer, expect.Hub) {
		return nil, fmt.Errorf("ticket signer mismatch")
	}
	if expect.Payee != "" && !scp.SameAddress(payload.Ticket.Payee, expect.Payee) {
		return nil, fmt.Errorf("wrong payee")
	}
	if expect.Amount != "" && payload.Ticket.Amount != expect.Amount {
		return nil, fmt.Errorf("wrong amount")
	}
	if payload.Ticket.Expiry != 0 && payload.Ticket.Expiry < nowSec() {
		return nil, fmt.Errorf("expired")
	}

	if cp := payload.ChannelProof; cp != nil {
		if cp.ChannelID == "" || cp.StateHash == "" || cp.SigA == "" {
			return nil, fmt.Errorf("incomplete channel proof")
		}
		if cp.ChannelState != nil {
			if cp.ChannelState.ChannelID != cp.ChannelID || cp.ChannelState.StateNonce != cp.StateNonce {
				return nil, fmt.Errorf("channel proof mismatch")
			}
			if domain == nil {
				return nil, fmt.Errorf("no signing domain for channel proof")
			}
			expected, err := domain.HashChannelState(cp.ChannelState)
			if err != nil {
				return nil, fmt.Errorf("invalid channel proof state: %w", err)
			}
			if !strings.EqualFold(expected.Hex(), cp.StateHash) {
				return nil, fmt.Errorf("state hash mismatch")
			}
			if _, err := domain.RecoverChannelStateSigner(cp.ChannelState, cp.SigA); err != nil {
				return nil, fmt.Errorf("invalid channel proof sig")
			}
		}
	}

	return &Result{
		Scheme:       scp.SchemeHub,
		Signer:       signer,
		PaymentID:    payload.PaymentID,
		Ticket:       payload.Ticket,
		ChannelProof: payload.ChannelProof,
	}, nil
}

// VerifyDirectPayment checks a peer-to-peer payment header: the payer's
// signature over the advanced state and, when a tracker is given, the
// channel's nonce/balance progression.
func VerifyDirectPayment(domain *sign.Domain, header string, expect Expect, tracker *ChannelTracker) (*Result, error) {
	payload, err := scp.ParsePaymentHeader(header)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid header")
	}
	if payload.Scheme != scp.SchemeDirect {
		return nil, fmt.Errorf("wrong scheme")
	}
	dp := payload.Direct
	if dp == nil || dp.ChannelState == nil || dp.SigA == "" || dp.Payer == "" || dp.Amount == "" || dp.Payee == "" {
		return nil, fmt.Errorf("missing direct payment fields")
	}
	if expect.Payee != "" && !scp.SameAddress(dp.Payee, expect.Payee) {
		return nil, fmt.Errorf("direct payee mismatch")
	}
	if expect.Asset != "" && !strings.EqualFold(dp.Asset, expect.Asset) {
		return nil, fmt.Errorf("direct asset mismatch")
	}
	if dp.InvoiceID != payload.InvoiceID || dp.PaymentID != payload.PaymentID {
		return nil, fmt.Errorf("direct id mismatch")
	}
	if dp.Expiry < nowSec() {
		return nil, fmt.Errorf("direct payment expired")
	}
	if expect.Amount != "" && dp.Amount != expect.Amount {
		return nil, fmt.Errorf("wrong amount")
	}
	if domain == nil {
		return nil, fmt.Errorf("no signing domain for direct payment")
	}
	recovered, err := domain.RecoverChannelStateSigner(dp.ChannelState, dp.SigA)
	if err != nil {
		return nil, fmt.Errorf("payer sig mismatch")
	}
	if !scp.SameAddress(recovered.Hex(), dp.Payer) {
		return nil, fmt.Errorf("payer sig mismatch")
	}
	if tracker != nil {
		if err := tracker.Advance(dp.ChannelState, dp.Amount); err != nil {
			return nil, err
		}
	}
	return &Result{
		Scheme:    scp.SchemeDirect,
		Signer:    recovered.Hex(),
		PaymentID: payload.PaymentID,
		Direct:    dp,
	}, nil
}
