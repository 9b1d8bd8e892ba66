package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scpnetwork/scp-go/scp"
)

func TestAgentSummary(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))

	summary, err := e.hub.AgentSummaryFor(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.LatestNonce)
	assert.Equal(t, 2, summary.Payments)
	assert.Equal(t, "2000000", summary.TotalSpent)
	assert.Equal(t, "6020", summary.TotalFees)
	assert.Equal(t, "2006020", summary.TotalDebit)
	require.Len(t, summary.Items, 2)
	assert.Equal(t, "pay-1", summary.Items[0].PaymentID)
}

func TestAgentSummaryExcludesRefunded(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000000"})
	require.NoError(t, err)

	summary, err := e.hub.AgentSummaryFor(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Payments)
	assert.Equal(t, "1000000", summary.TotalSpent)
}

func TestAgentSummaryUnknownChannel(t *testing.T) {
	e := newEnv(t, false)
	summary, err := e.hub.AgentSummaryFor(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Zero(t, summary.Payments)
	assert.Equal(t, "0", summary.TotalSpent)
}

func TestAgentReceiptsCursor(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))

	page, err := e.hub.AgentReceipts(e.ctx, ReceiptsQuery{ChannelID: testChannelID})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, page.Items[1].CreatedAt, page.NextCursor)

	// Both issued in the same second, so the cursor drains the page.
	next, err := e.hub.AgentReceipts(e.ctx, ReceiptsQuery{ChannelID: testChannelID, Since: page.NextCursor})
	require.NoError(t, err)
	assert.Zero(t, next.Count)
	assert.Equal(t, page.NextCursor, next.NextCursor)
}

func TestGetChannelViewRedactsSignatures(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))

	view, err := e.hub.GetChannelView(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.LatestNonce)
	assert.Equal(t, "open", view.Status)
	assert.Equal(t, e.payer, view.ParticipantA)
	assert.True(t, view.HasSignedState)
}

func TestGetChannelViewUnknown(t *testing.T) {
	e := newEnv(t, false)
	view, err := e.hub.GetChannelView(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, "open", view.Status)
	assert.Zero(t, view.LatestNonce)
	assert.False(t, view.HasSignedState)

	_, err = e.hub.GetChannelView(e.ctx, "nope")
	assert.Error(t, err)
}

func TestGetPayment(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))

	p, err := e.hub.GetPayment(e.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, scp.PaymentIssued, p.Status)

	_, err = e.hub.GetPayment(e.ctx, "pay-unknown")
	require.Error(t, err)
	assert.Equal(t, 404, scp.AsError(err).HTTPStatus())
}

func TestPayeeInboxCursor(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))
	e.mustIssue(e.quote("pay-3"))

	page, err := e.hub.PayeeInbox(e.ctx, e.payee, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	require.Len(t, page.Items, 2)
	assert.Equal(t, page.Items[1].Seq, page.NextCursor)

	rest, err := e.hub.PayeeInbox(e.ctx, e.payee, page.NextCursor, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rest.Count)
	assert.Equal(t, "pay-3", rest.Items[0].PaymentID)
}

func TestPayeeBalanceCountsRefundsAgainstEarnings(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000000"})
	require.NoError(t, err)

	balance, err := e.hub.PayeeBalanceFor(e.ctx, e.payee)
	require.NoError(t, err)
	assert.Equal(t, "0", balance.Earned)
	assert.Equal(t, "0", balance.Settled)
	assert.Equal(t, "0", balance.Unsettled)
	assert.Equal(t, 2, balance.Payments)
}

func TestPayeeReceiptsStatusFilter(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))
	e.mustIssue(e.quote("pay-2"))
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000000"})
	require.NoError(t, err)

	issued, err := e.hub.PayeeReceipts(e.ctx, PayeeReceiptsQuery{Payee: e.payee, Status: "issued"})
	require.NoError(t, err)
	assert.Equal(t, 1, issued.Count)
	assert.Equal(t, "pay-2", issued.Items[0].PaymentID)

	refunded, err := e.hub.PayeeReceipts(e.ctx, PayeeReceiptsQuery{Payee: e.payee, Status: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, 1, refunded.Count)

	_, err = e.hub.PayeeReceipts(e.ctx, PayeeReceiptsQuery{Payee: e.payee, Status: "bogus"})
	assert.Error(t, err)
}

func TestOpenPayeeChannel(t *testing.T) {
	e := newEnv(t, true)
	result, err := e.hub.OpenPayeeChannel(e.ctx, &OpenPayeeChannelRequest{
		Payee:   e.payee,
		Deposit: "2000000",
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyOpen)
	assert.Equal(t, "2000000", result.BalA)
	assert.Equal(t, "0", result.BalB)
	assert.NotEmpty(t, result.TxHash)

	// A second open returns the existing channel untouched.
	again, err := e.hub.OpenPayeeChannel(e.ctx, &OpenPayeeChannelRequest{Payee: e.payee, Deposit: "9"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyOpen)
	assert.Equal(t, result.ChannelID, again.ChannelID)
}

func TestPayeeBalanceEmpty(t *testing.T) {
	e := newEnv(t, false)
	balance, err := e.hub.PayeeBalanceFor(e.ctx, e.payee)
	require.NoError(t, err)
	assert.Equal(t, "0", balance.Earned)
	assert.Zero(t, balance.Payments)
}
