package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scpnetwork/scp-go/scp"
)

func TestTxCommitAndView(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Memory: true})
	require.NoError(t, err)
	defer s.Close()

	err = s.Tx(ctx, func(st *State) error {
		st.Payments["pay-1"] = &scp.Payment{PaymentID: "pay-1", Status: scp.PaymentQuoted}
		return nil
	})
	require.NoError(t, err)

	p, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, scp.PaymentQuoted, p.Status)
}

func TestTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Tx(ctx, func(st *State) error {
		st.Payments["keep"] = &scp.Payment{PaymentID: "keep", Status: scp.PaymentIssued}
		return nil
	}))

	boom := errors.New("boom")
	err = s.Tx(ctx, func(st *State) error {
		st.Payments["keep"].Status = scp.PaymentRefunded
		st.Payments["discard"] = &scp.Payment{PaymentID: "discard"}
		st.NextSeq = 999
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed mutator may be visible.
	p, err := s.GetPayment(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, scp.PaymentIssued, p.Status)
	p, err = s.GetPayment(ctx, "discard")
	require.NoError(t, err)
	assert.Nil(t, p)
	require.NoError(t, s.View(ctx, func(st *State) error {
		assert.Equal(t, int64(1), st.NextSeq)
		return nil
	}))
}

func TestGettersReturnCopies(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Tx(ctx, func(st *State) error {
		st.Channels["0xabc"] = &scp.ChannelRecord{
			ChannelID:   "0xabc",
			LatestNonce: 3,
			LatestState: &scp.ChannelState{ChannelID: "0xabc", StateNonce: 3, BalA: "7", BalB: "3"},
		}
		return nil
	}))

	ch, err := s.GetChannel(ctx, "0xabc")
	require.NoError(t, err)
	ch.LatestNonce = 99
	ch.LatestState.BalA = "0"

	fresh, err := s.GetChannel(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), fresh.LatestNonce)
	assert.Equal(t, "7", fresh.LatestState.BalA)
}

func TestFileBackendRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hub-state.json")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Tx(ctx, func(st *State) error {
		st.Payments["keep"] = &scp.Payment{PaymentID: "keep", Status: scp.PaymentIssued}
		return nil
	}))

	boom := errors.New("boom")
	err = s.Tx(ctx, func(st *State) error {
		st.Payments["keep"].Status = scp.PaymentRefunded
		st.Payments["discard"] = &scp.Payment{PaymentID: "discard"}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.Close())

	// The on-disk snapshot must not carry anything from the failed mutator.
	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	p, err := reopened.GetPayment(ctx, "keep")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, scp.PaymentIssued, p.Status)
	p, err = reopened.GetPayment(ctx, "discard")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestTxConflictErrorCode(t *testing.T) {
	e := scp.AsError(ErrTxConflict)
	assert.Equal(t, scp.CodeTxConflict, e.Code)
	assert.Equal(t, http.StatusConflict, e.HTTPStatus())
	assert.True(t, e.Retryable)
}

func TestFileBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hub-state.json")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Tx(ctx, func(st *State) error {
		st.Payments["pay-1"] = &scp.Payment{PaymentID: "pay-1", Status: scp.PaymentIssued, Amount: "42"}
		st.NextSeq = 7
		return nil
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "42", p.Amount)
	require.NoError(t, reopened.View(ctx, func(st *State) error {
		assert.Equal(t, int64(7), st.NextSeq)
		return nil
	}))
	assert.False(t, reopened.Shared())
}

func TestIndexIssuedPayment(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	payment := &scp.Payment{
		PaymentID: "pay-1",
		TicketID:  "tkt_1",
		ChannelID: "0xchan",
		Payee:     "0xAbC0000000000000000000000000000000000001",
		Status:    scp.PaymentIssued,
	}
	require.NoError(t, s.Tx(ctx, func(st *State) error {
		st.Payments[payment.PaymentID] = payment
		st.IndexIssuedPayment(payment)
		return nil
	}))

	byTicket, err := s.PaymentByTicketID(ctx, "tkt_1")
	require.NoError(t, err)
	require.NotNil(t, byTicket)
	assert.Equal(t, "pay-1", byTicket.PaymentID)

	byChannel, err := s.ListPaymentsByChannel(ctx, "0xchan")
	require.NoError(t, err)
	assert.Len(t, byChannel, 1)

	// Payee lookups are case-insensitive through the lowercased index.
	byPayee, err := s.ListPaymentsByPayee(ctx, "0xabc0000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Len(t, byPayee, 1)
}

func TestAppendLedgerTrims(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Tx(ctx, func(st *State) error {
		for i := 0; i < LedgerMax+25; i++ {
			st.AppendLedger("0xPayee", &scp.LedgerEntry{
				Seq:       int64(i + 1),
				PaymentID: fmt.Sprintf("pay-%d", i+1),
				Amount:    "1",
				Status:    scp.LedgerIssued,
			})
		}
		return nil
	}))

	ledger, err := s.Ledger(ctx, "0xpayee")
	require.NoError(t, err)
	require.Len(t, ledger, LedgerMax)
	// The oldest 25 entries fell off the front.
	assert.Equal(t, int64(26), ledger[0].Seq)
	assert.Equal(t, int64(LedgerMax+25), ledger[len(ledger)-1].Seq)
}

func TestStateNormalize(t *testing.T) {
	st, err := decodeState([]byte(`{"nextSeq":0}`))
	require.NoError(t, err)
	assert.NotNil(t, st.Quotes)
	assert.NotNil(t, st.Payments)
	assert.NotNil(t, st.Webhooks)
	assert.Equal(t, int64(1), st.NextSeq)

	empty, err := decodeState(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.PayeeLedger)
}
