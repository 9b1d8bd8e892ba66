package hub

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scpnetwork/scp-go/scp"
)

func TestRefundFull(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))

	refund, err := e.hub.Refund(e.ctx, &RefundRequest{
		TicketID:     resp.TicketID,
		RefundAmount: "1000000",
		Reason:       "out of stock",
	})
	require.NoError(t, err)

	// A full refund returns the whole debit including the fee.
	assert.Equal(t, "1003010", refund.RefundedTotalDebit)
	assert.Equal(t, uint64(2), refund.StateNonce)
	require.NotNil(t, refund.ChannelState)
	assert.Equal(t, e.total.String(), refund.ChannelState.BalA)
	assert.Equal(t, "0", refund.ChannelState.BalB)

	// The compensating state is hub-signed.
	recovered, err := e.domain.RecoverChannelStateSigner(refund.ChannelState, refund.ChannelAck.SigB)
	require.NoError(t, err)
	assert.Equal(t, e.hub.Address(), recovered)

	p, err := e.store.GetPayment(e.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, scp.PaymentRefunded, p.Status)
	assert.Equal(t, refund.ReceiptID, p.RefundReceiptID)

	ch, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ch.LatestNonce)
	// The payer has not counter-signed the refund state yet.
	assert.Empty(t, ch.SigA)

	ledger, err := e.store.Ledger(e.ctx, e.payee)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, scp.LedgerRefunded, ledger[0].Status)
}

func TestRefundPartialProRata(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))

	refund, err := e.hub.Refund(e.ctx, &RefundRequest{
		TicketID:     resp.TicketID,
		RefundAmount: "500000",
	})
	require.NoError(t, err)
	// Half the amount carries half the 3010 fee: 500000 + 1505.
	assert.Equal(t, "501505", refund.RefundedTotalDebit)

	ch, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, "4498495", ch.LatestState.BalA)
	assert.Equal(t, "501505", ch.LatestState.BalB)
}

func TestRefundExceedsOriginal(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000001"})
	require.Error(t, err)
	assert.Equal(t, 400, scp.AsError(err).HTTPStatus())
}

func TestRefundUnknownTicket(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: "tkt_missing", RefundAmount: "1"})
	require.Error(t, err)
	assert.Equal(t, 404, scp.AsError(err).HTTPStatus())
}

func TestRefundTwice(t *testing.T) {
	e := newEnv(t, true)
	resp := e.mustIssue(e.quote("pay-1"))
	_, err := e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000000"})
	require.NoError(t, err)

	_, err = e.hub.Refund(e.ctx, &RefundRequest{TicketID: resp.TicketID, RefundAmount: "1000000"})
	require.Error(t, err)
	assert.Equal(t, 404, scp.AsError(err).HTTPStatus())
}

func TestRefundedDebit(t *testing.T) {
	cases := []struct {
		amount, debit, refund, want string
	}{
		{"1000000", "1003010", "1000000", "1003010"},
		{"1000000", "1003010", "500000", "501505"},
		{"1000000", "1003010", "1", "1"}, // fee share rounds down to zero
		{"1000000", "1003010", "333333", "334336"},
		{"100", "100", "50", "50"}, // no fee at all
	}
	for _, tc := range cases {
		amount, _ := new(big.Int).SetString(tc.amount, 10)
		debit, _ := new(big.Int).SetString(tc.debit, 10)
		refund, _ := new(big.Int).SetString(tc.refund, 10)
		got := refundedDebit(amount, debit, refund)
		assert.Equal(t, tc.want, got.String(), "refund %s of %s/%s", tc.refund, tc.amount, tc.debit)
	}
}
