// Package scp contains the shared data model and wire formats of the SCP
// micropayment protocol: channel states, quotes, tickets, payments, the
// hub's per-payee ledger, and the payment header a client presents to a
// payee. All monetary amounts travel as decimal strings so that values
// larger than 2^53 survive JSON round-trips unchanged.
package scp

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// ChannelState is one co-signed snapshot of a bilateral channel. The sum
// balA+balB is constant for the life of the channel and stateNonce increases
// by exactly one per hub-countersigned update.
type ChannelState struct {
	ChannelID   string `json:"channelId"`
	StateNonce  uint64 `json:"stateNonce"`
	BalA        string `json:"balA"`
	BalB        string `json:"balB"`
	LocksRoot   string `json:"locksRoot"`
	StateExpiry int64  `json:"stateExpiry"`
	ContextHash string `json:"contextHash"`
}

// TicketDraft is the unsigned form of a Ticket. The hub constructs it at
// quote time and signs it at issue time; its canonical JSON encoding is the
// message the ticket signature covers.
type TicketDraft struct {
	TicketID   string `json:"ticketId"`
	Hub        string `json:"hub"`
	Payee      string `json:"payee"`
	InvoiceID  string `json:"invoiceId"`
	PaymentID  string `json:"paymentId"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	FeeCharged string `json:"feeCharged"`
	TotalDebit string `json:"totalDebit"`
	Expiry     int64  `json:"expiry"`
	PolicyHash string `json:"policyHash"`
}

// Ticket is a hub-signed receipt the payer presents to a payee. Immutable
// once signed; Sig recovers to the hub's address.
type Ticket struct {
	TicketDraft
	Sig string `json:"sig"`
}

// FeeBreakdown itemizes how a quote's fee was computed.
type FeeBreakdown struct {
	Base         string `json:"base"`
	Bps          int64  `json:"bps"`
	Variable     string `json:"variable"`
	GasSurcharge string `json:"gasSurcharge"`
}

// Quote is a time-boxed, fee-computed draft of a ticket. It is not binding
// until issued, and issuing consumes it.
type Quote struct {
	InvoiceID    string       `json:"invoiceId"`
	PaymentID    string       `json:"paymentId"`
	TicketDraft  TicketDraft  `json:"ticketDraft"`
	Fee          string       `json:"fee"`
	TotalDebit   string       `json:"totalDebit"`
	Expiry       int64        `json:"expiry"`
	FeeBreakdown FeeBreakdown `json:"feeBreakdown"`
}

// QuoteRecord is the stored form of a quote, binding it to the channel and
// payment context it was requested for.
type QuoteRecord struct {
	Quote       Quote  `json:"quote"`
	ChannelID   string `json:"channelId"`
	ContextHash string `json:"contextHash"`
	CreatedAt   int64  `json:"createdAt"`
}

// QuoteKey is the storage key for a quote.
func QuoteKey(invoiceID, paymentID string) string {
	return invoiceID + ":" + paymentID
}

type PaymentStatus string

const (
	PaymentQuoted   PaymentStatus = "quoted"
	PaymentIssued   PaymentStatus = "issued"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentExpired  PaymentStatus = "expired"
)

// Payment is the durable record of a payment attempt, keyed by paymentId.
// It exists from quote time onward, which is what blocks re-quoting an id.
type Payment struct {
	PaymentID  string        `json:"paymentId"`
	Status     PaymentStatus `json:"status"`
	CreatedAt  int64         `json:"createdAt,omitempty"`
	InvoiceID  string        `json:"invoiceId,omitempty"`
	TicketID   string        `json:"ticketId,omitempty"`
	StateNonce uint64        `json:"stateNonce,omitempty"`
	ChannelID  string        `json:"channelId,omitempty"`
	Payee      string        `json:"payee,omitempty"`
	Asset      string        `json:"asset,omitempty"`
	Amount     string        `json:"amount,omitempty"`
	Fee        string        `json:"fee,omitempty"`
	TotalDebit string        `json:"totalDebit,omitempty"`

	RefundedAt       int64  `json:"refundedAt,omitempty"`
	RefundReceiptID  string `json:"refundReceiptId,omitempty"`
	RefundAmount     string `json:"refundAmount,omitempty"`
	RefundTotalDebit string `json:"refundTotalDebit,omitempty"`
}

// ChannelRecord is the hub's record of a payer channel: the latest
// countersigned state plus both signatures over it. The signatures are close
// authorizations and must never be served to third parties.
type ChannelRecord struct {
	ChannelID    string        `json:"channelId"`
	LatestNonce  uint64        `json:"latestNonce"`
	Status       string        `json:"status"`
	LatestState  *ChannelState `json:"latestState,omitempty"`
	ParticipantA string        `json:"participantA,omitempty"`
	SigA         string        `json:"sigA,omitempty"`
	SigB         string        `json:"sigB,omitempty"`
}

// HubChannel is the hub's own downstream channel with one payee, advanced as
// a side effect of issuance so value cascades payer→hub→payee off-chain.
type HubChannel struct {
	ChannelID    string        `json:"channelId"`
	Payee        string        `json:"payee"`
	Asset        string        `json:"asset"`
	TotalDeposit string        `json:"totalDeposit"`
	BalA         string        `json:"balA"`
	BalB         string        `json:"balB"`
	Status       string        `json:"status"`
	Nonce        uint64        `json:"nonce"`
	LatestState  *ChannelState `json:"latestState,omitempty"`
	SigA         string        `json:"sigA,omitempty"`
	SigB         string        `json:"sigB,omitempty"`
	TxHash       string        `json:"txHash,omitempty"`
	ClosedAt     int64         `json:"closedAt,omitempty"`
	CloseTx      string        `json:"closeTx,omitempty"`
}

type LedgerStatus string

const (
	LedgerIssued   LedgerStatus = "issued"
	LedgerSettling LedgerStatus = "settling"
	LedgerSettled  LedgerStatus = "settled"
	LedgerRefunded LedgerStatus = "refunded"
)

// LedgerEntry is one append-only row in a payee's earnings ledger.
type LedgerEntry struct {
	Seq       int64        `json:"seq"`
	CreatedAt int64        `json:"createdAt"`
	PaymentID string       `json:"paymentId"`
	InvoiceID string       `json:"invoiceId"`
	TicketID  string       `json:"ticketId"`
	Amount    string       `json:"amount"`
	Asset     string       `json:"asset"`
	Status    LedgerStatus `json:"status"`

	SettlementID    string `json:"settlementId,omitempty"`
	SettleTx        string `json:"settleTx,omitempty"`
	SettledAt       int64  `json:"settledAt,omitempty"`
	RefundedAt      int64  `json:"refundedAt,omitempty"`
	RefundReceiptID string `json:"refundReceiptId,omitempty"`
}

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement records one settlement attempt, keyed by settlement id, so
// idempotency-keyed retries can replay the recorded outcome.
type Settlement struct {
	SettlementID   string           `json:"settlementId"`
	Payee          string           `json:"payee"`
	Asset          string           `json:"asset"`
	Mode           string           `json:"mode"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Status         SettlementStatus `json:"status"`
	Amount         string           `json:"amount,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	SettledCount   int              `json:"settledCount,omitempty"`
	Code           string           `json:"code,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      int64            `json:"createdAt,omitempty"`
	CompletedAt    int64            `json:"completedAt,omitempty"`
	FailedAt       int64            `json:"failedAt,omitempty"`
}

// Webhook is a registered event subscription. Delivery state lives with the
// notifier; this record is what persists across restarts.
type Webhook struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	Events    []string `json:"events"`
	ChannelID string   `json:"channelId"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"createdAt"`
	FailCount int      `json:"failCount"`
}

var (
	hex32Re   = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	addressRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	decimalRe = regexp.MustCompile(`^[0-9]+$`)
	sigRe     = regexp.MustCompile(`^0x[a-fA-F0-9]{2,}$`)
)

// IsHex32 reports whether v is a 0x-prefixed 32-byte hex string.
func IsHex32(v string) bool { return hex32Re.MatchString(v) }

// IsHexAddress reports whether v is a 0x-prefixed 20-byte hex string.
func IsHexAddress(v string) bool { return addressRe.MatchString(v) }

// maxSigHexChars bounds signature strings. The limit lives outside the
// regexp because RE2 rejects repeat counts that large.
const maxSigHexChars = 4096

// IsHexSig reports whether v looks like a 0x-prefixed hex signature.
func IsHexSig(v string) bool {
	return len(v) <= len("0x")+maxSigHexChars && sigRe.MatchString(v)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(s string) (*big.Int, error) {
	if !decimalRe.MatchString(s) {
		return nil, fmt.Errorf("invalid amount %q: must be a decimal string", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// ZeroHash32 is the 32-byte zero value used for empty locksRoot and
// contextHash fields.
const ZeroHash32 = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ZeroAddress is the EVM zero address, used to denote the chain's native
// asset.
const ZeroAddress = "0x0000000000000000000000000000000000000000"
