package hub

import (
	"context"
	"math/big"
	"sort"

	"github.com/scpnetwork/scp-go/scp"
)

// AgentReceipt is the payer-facing projection of an issued payment.
type AgentReceipt struct {
	PaymentID  string `json:"paymentId"`
	ChannelID  string `json:"channelId"`
	InvoiceID  string `json:"invoiceId"`
	TicketID   string `json:"ticketId"`
	Payee      string `json:"payee"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee"`
	TotalDebit string `json:"totalDebit"`
	StateNonce uint64 `json:"stateNonce"`
	CreatedAt  int64  `json:"createdAt"`
}

// AgentSummary aggregates a channel's issued payments for the payer.
type AgentSummary struct {
	ChannelID   string        `json:"channelId"`
	LatestNonce uint64        `json:"latestNonce"`
	Payments    int           `json:"payments"`
	TotalSpent  string        `json:"totalSpent"`
	TotalFees   string        `json:"totalFees"`
	TotalDebit  string        `json:"totalDebit"`
	Items       []*SummaryRow `json:"items"`
}

type SummaryRow struct {
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Payee     string `json:"payee"`
	TicketID  string `json:"ticketId"`
}

// ReceiptsPage is a cursor page of agent receipts ordered by creation time.
type ReceiptsPage struct {
	Since      int64           `json:"since"`
	Count      int             `json:"count"`
	NextCursor int64           `json:"nextCursor"`
	Items      []*AgentReceipt `json:"items"`
}

// ReceiptsQuery filters AgentReceipts.
type ReceiptsQuery struct {
	ChannelID string
	Payee     string
	Since     int64
	Limit     int
}

// GetPayment returns the payment record for a payment id.
func (h *Hub) GetPayment(ctx context.Context, paymentID string) (*scp.Payment, error) {
	p, err := h.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, scp.ErrNotFound(scp.CodeChannelNotFound, "payment not found")
	}
	return p, nil
}

// ChannelView is the public projection of a channel record. Signatures and
// the raw state are close authorizations, so they are redacted here.
type ChannelView struct {
	ChannelID      string `json:"channelId"`
	LatestNonce    uint64 `json:"latestNonce"`
	Status         string `json:"status"`
	ParticipantA   string `json:"participantA,omitempty"`
	HasSignedState bool   `json:"hasSignedState"`
}

// GetChannelView returns the redacted channel record; unknown channels
// report as open at nonce zero.
func (h *Hub) GetChannelView(ctx context.Context, channelID string) (*ChannelView, error) {
	if !scp.IsHex32(channelID) {
		return nil, scp.ErrValidation("invalid channel id")
	}
	ch, err := h.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return &ChannelView{ChannelID: channelID, Status: "open"}, nil
	}
	return &ChannelView{
		ChannelID:      ch.ChannelID,
		LatestNonce:    ch.LatestNonce,
		Status:         ch.Status,
		ParticipantA:   ch.ParticipantA,
		HasSignedState: ch.SigA != "" || ch.SigB != "",
	}, nil
}

// AgentSummaryFor aggregates issued payments on a channel.
func (h *Hub) AgentSummaryFor(ctx context.Context, channelID string) (*AgentSummary, error) {
	if !scp.IsHex32(channelID) {
		return nil, scp.ErrValidation("channelId required")
	}
	ch, err := h.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	summary := &AgentSummary{
		ChannelID:  channelID,
		TotalSpent: "0",
		TotalFees:  "0",
		TotalDebit: "0",
		Items:      []*SummaryRow{},
	}
	if ch == nil {
		return summary, nil
	}
	summary.LatestNonce = ch.LatestNonce

	payments, err := h.store.ListPaymentsByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	totalSpent := new(big.Int)
	totalFees := new(big.Int)
	for _, p := range sortedByCreation(payments) {
		if p.Status != scp.PaymentIssued {
			continue
		}
		amount := amountOrZero(p.Amount)
		fee := amountOrZero(p.Fee)
		totalSpent.Add(totalSpent, amount)
		totalFees.Add(totalFees, fee)
		summary.Items = append(summary.Items, &SummaryRow{
			PaymentID: p.PaymentID,
			Amount:    amount.String(),
			Fee:       fee.String(),
			Payee:     p.Payee,
			TicketID:  p.TicketID,
		})
	}
	summary.Payments = len(summary.Items)
	summary.TotalSpent = totalSpent.String()
	summary.TotalFees = totalFees.String()
	summary.TotalDebit = new(big.Int).Add(totalSpent, totalFees).String()
	return summary, nil
}

// AgentReceipts pages issued payments filtered by channel or payee.
func (h *Hub) AgentReceipts(ctx context.Context, q ReceiptsQuery) (*ReceiptsPage, error) {
	if q.ChannelID != "" && !scp.IsHex32(q.ChannelID) {
		return nil, scp.ErrValidation("invalid channelId")
	}
	if q.Payee != "" && !scp.IsHexAddress(q.Payee) {
		return nil, scp.ErrValidation("invalid payee")
	}
	limit := clamp(q.Limit, 100, 1, 1000)

	var payments []*scp.Payment
	var err error
	switch {
	case q.ChannelID != "":
		payments, err = h.store.ListPaymentsByChannel(ctx, q.ChannelID)
	case q.Payee != "":
		payments, err = h.store.ListPaymentsByPayee(ctx, q.Payee)
	default:
		payments, err = h.store.ListPayments(ctx)
	}
	if err != nil {
		return nil, err
	}

	page := &ReceiptsPage{Since: q.Since, NextCursor: q.Since, Items: []*AgentReceipt{}}
	for _, p := range sortedByCreation(payments) {
		if p.Status != scp.PaymentIssued {
			continue
		}
		if q.ChannelID != "" && p.ChannelID != q.ChannelID {
			continue
		}
		if q.Payee != "" && !scp.SameAddress(p.Payee, q.Payee) {
			continue
		}
		if p.CreatedAt <= q.Since {
			continue
		}
		page.Items = append(page.Items, &AgentReceipt{
			PaymentID:  p.PaymentID,
			ChannelID:  p.ChannelID,
			InvoiceID:  p.InvoiceID,
			TicketID:   p.TicketID,
			Payee:      p.Payee,
			Asset:      p.Asset,
			Amount:     p.Amount,
			Fee:        p.Fee,
			TotalDebit: p.TotalDebit,
			StateNonce: p.StateNonce,
			CreatedAt:  p.CreatedAt,
		})
		if len(page.Items) >= limit {
			break
		}
	}
	page.Count = len(page.Items)
	if page.Count > 0 {
		page.NextCursor = page.Items[page.Count-1].CreatedAt
	}
	return page, nil
}

// InboxPage is a seq-cursored page of a payee's ledger.
type InboxPage struct {
	Payee      string             `json:"payee"`
	Since      int64              `json:"since"`
	Count      int                `json:"count"`
	NextCursor int64              `json:"nextCursor"`
	Items      []*scp.LedgerEntry `json:"items"`
}

// PayeeInbox pages a payee's ledger after a seq cursor.
func (h *Hub) PayeeInbox(ctx context.Context, payee string, since int64, limit int) (*InboxPage, error) {
	if !scp.IsHexAddress(payee) {
		return nil, scp.ErrValidation("payee query must be 0x address")
	}
	limit = clamp(limit, 50, 1, 500)
	ledger, err := h.store.Ledger(ctx, payee)
	if err != nil {
		return nil, err
	}
	page := &InboxPage{Payee: lower(payee), Since: since, NextCursor: since, Items: []*scp.LedgerEntry{}}
	for _, entry := range ledger {
		if entry.Seq <= since {
			continue
		}
		page.Items = append(page.Items, entry)
		if len(page.Items) >= limit {
			break
		}
	}
	page.Count = len(page.Items)
	if page.Count > 0 {
		page.NextCursor = page.Items[page.Count-1].Seq
	}
	return page, nil
}

// PayeeBalance is the earned/settled/unsettled rollup of a payee's ledger.
type PayeeBalance struct {
	Payee     string `json:"payee"`
	Earned    string `json:"earned"`
	Settled   string `json:"settled"`
	Unsettled string `json:"unsettled"`
	Payments  int    `json:"payments"`
}

// PayeeBalanceFor sums a payee's ledger. Refunded entries count against
// earnings.
func (h *Hub) PayeeBalanceFor(ctx context.Context, payee string) (*PayeeBalance, error) {
	if !scp.IsHexAddress(payee) {
		return nil, scp.ErrValidation("payee must be 0x address")
	}
	ledger, err := h.store.Ledger(ctx, payee)
	if err != nil {
		return nil, err
	}
	earned := new(big.Int)
	settled := new(big.Int)
	for _, entry := range ledger {
		amount := amountOrZero(entry.Amount)
		if entry.Status == scp.LedgerRefunded {
			earned.Sub(earned, amount)
			continue
		}
		earned.Add(earned, amount)
		if entry.Status == scp.LedgerSettled {
			settled.Add(settled, amount)
		}
	}
	return &PayeeBalance{
		Payee:     lower(payee),
		Earned:    earned.String(),
		Settled:   settled.String(),
		Unsettled: new(big.Int).Sub(earned, settled).String(),
		Payments:  len(ledger),
	}, nil
}

// PayeeReceiptsQuery filters PayeeReceipts.
type PayeeReceiptsQuery struct {
	Payee  string
	Since  int64
	Status string
	Limit  int
}

// PayeeReceipts pages a payee's ledger by creation time, optionally filtered
// by status.
func (h *Hub) PayeeReceipts(ctx context.Context, q PayeeReceiptsQuery) (*InboxPage, error) {
	if !scp.IsHexAddress(q.Payee) {
		return nil, scp.ErrValidation("payee must be 0x address")
	}
	status := lower(q.Status)
	switch status {
	case "", string(scp.LedgerIssued), string(scp.LedgerSettled), string(scp.LedgerRefunded):
	default:
		return nil, scp.ErrValidation("status must be issued|settled|refunded")
	}
	limit := clamp(q.Limit, 100, 1, 1000)

	ledger, err := h.store.Ledger(ctx, q.Payee)
	if err != nil {
		return nil, err
	}
	var filtered []*scp.LedgerEntry
	for _, entry := range ledger {
		if entry.CreatedAt <= q.Since {
			continue
		}
		if status != "" && string(entry.Status) != status {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt < filtered[j].CreatedAt
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	page := &InboxPage{Payee: lower(q.Payee), Since: q.Since, NextCursor: q.Since, Items: filtered}
	if page.Items == nil {
		page.Items = []*scp.LedgerEntry{}
	}
	page.Count = len(page.Items)
	if page.Count > 0 {
		page.NextCursor = page.Items[page.Count-1].CreatedAt
	}
	return page, nil
}

func sortedByCreation(payments []*scp.Payment) []*scp.Payment {
	out := make([]*scp.Payment, len(payments))
	copy(out, payments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

func amountOrZero(s string) *big.Int {
	v, err := scp.ParseAmount(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}

func clamp(v, def, min, max int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}
