package hub

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scpnetwork/scp-go/chain"
	"github.com/scpnetwork/scp-go/chain/chaintest"
	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
	"github.com/scpnetwork/scp-go/store"
	"github.com/scpnetwork/scp-go/webhook"
)

const (
	testChannelID    = "0x2222222222222222222222222222222222222222222222222222222222222222"
	testHubChannelID = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

// env wires a hub against in-memory storage and, optionally, a fake chain
// seeded with one funded payer channel.
type env struct {
	t     *testing.T
	ctx   context.Context
	hub   *Hub
	store *store.Storage
	fake  *chaintest.Contract

	domain   *sign.Domain
	hubKey   *ecdsa.PrivateKey
	payerKey *ecdsa.PrivateKey
	payeeKey *ecdsa.PrivateKey
	payer    string
	payee    string
	total    *big.Int
}

func newEnv(t *testing.T, withChain bool) *env {
	t.Helper()
	hubKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payeeKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	e := &env{
		t:        t,
		ctx:      context.Background(),
		domain:   sign.NewDomain(31337, common.HexToAddress("0x00000000000000000000000000000000000000c0")),
		hubKey:   hubKey,
		payerKey: payerKey,
		payeeKey: payeeKey,
		payer:    crypto.PubkeyToAddress(payerKey.PublicKey).Hex(),
		payee:    crypto.PubkeyToAddress(payeeKey.PublicKey).Hex(),
		total:    big.NewInt(5000000),
	}

	e.store, err = store.Open(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	hooks := webhook.NewManager(webhook.Config{Store: e.store})
	t.Cleanup(hooks.Close)

	cfg := Config{
		Domain:             e.domain,
		Key:                hubKey,
		Store:              e.store,
		Webhooks:           hooks,
		QuoteSweepInterval: time.Hour,
	}
	if withChain {
		e.fake = chaintest.New()
		e.fake.Put(common.HexToHash(testChannelID), chain.Channel{
			ParticipantA:  crypto.PubkeyToAddress(payerKey.PublicKey),
			ParticipantB:  crypto.PubkeyToAddress(hubKey.PublicKey),
			TotalBalance:  new(big.Int).Set(e.total),
			ChannelExpiry: uint64(time.Now().Unix() + 86400),
		})
		cfg.Chain = e.fake
	}
	e.hub, err = New(cfg)
	require.NoError(t, err)
	return e
}

func (e *env) quote(paymentID string) *scp.Quote {
	e.t.Helper()
	q, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   paymentID,
		InvoiceID:   "inv-" + paymentID,
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "1000000",
		MaxFee:      "5000",
		ChannelID:   testChannelID,
		QuoteExpiry: time.Now().Unix() + 60,
	})
	require.NoError(e.t, err)
	return q
}

// nextState builds the payer's next channel state moving debit toward the
// hub, signed with the payer key.
func (e *env) nextState(debit string) (*scp.ChannelState, string) {
	e.t.Helper()
	amount, err := scp.ParseAmount(debit)
	require.NoError(e.t, err)

	prev, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(e.t, err)

	balA := new(big.Int).Set(e.total)
	balB := new(big.Int)
	nonce := uint64(1)
	if prev != nil && prev.LatestState != nil {
		balA, _ = scp.ParseAmount(prev.LatestState.BalA)
		balB, _ = scp.ParseAmount(prev.LatestState.BalB)
		nonce = prev.LatestNonce + 1
	}
	st := &scp.ChannelState{
		ChannelID:   testChannelID,
		StateNonce:  nonce,
		BalA:        new(big.Int).Sub(balA, amount).String(),
		BalB:        new(big.Int).Add(balB, amount).String(),
		LocksRoot:   scp.ZeroHash32,
		StateExpiry: time.Now().Unix() + 600,
		ContextHash: scp.ZeroHash32,
	}
	sig, err := e.domain.SignChannelState(st, e.payerKey)
	require.NoError(e.t, err)
	return st, sig
}

func (e *env) issue(q *scp.Quote) (*IssueResponse, error) {
	st, sig := e.nextState(q.TotalDebit)
	return e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
}

func (e *env) mustIssue(q *scp.Quote) *IssueResponse {
	e.t.Helper()
	resp, err := e.issue(q)
	require.NoError(e.t, err)
	return resp
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return scp.AsError(err).Code
}

func TestCalcFee(t *testing.T) {
	e := newEnv(t, false)
	fee, breakdown := e.hub.CalcFee(big.NewInt(1000000))
	assert.Equal(t, "3010", fee.String())
	assert.Equal(t, "10", breakdown.Base)
	assert.Equal(t, int64(30), breakdown.Bps)
	assert.Equal(t, "3000", breakdown.Variable)

	fee, _ = e.hub.CalcFee(big.NewInt(0))
	assert.Equal(t, "10", fee.String())

	// Basis points round down.
	fee, _ = e.hub.CalcFee(big.NewInt(333))
	assert.Equal(t, "10", fee.String())
}

func TestQuotePricesTicketDraft(t *testing.T) {
	e := newEnv(t, false)
	q := e.quote("pay-1")

	assert.Equal(t, "3010", q.Fee)
	assert.Equal(t, "1003010", q.TotalDebit)
	assert.Equal(t, q.TotalDebit, q.TicketDraft.TotalDebit)
	assert.Equal(t, e.hub.Address().Hex(), q.TicketDraft.Hub)
	assert.NotEmpty(t, q.TicketDraft.TicketID)
	assert.True(t, scp.IsHex32(q.TicketDraft.PolicyHash))

	p, err := e.store.GetPayment(e.ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, scp.PaymentQuoted, p.Status)
}

func TestQuoteExpiryClamped(t *testing.T) {
	e := newEnv(t, false)
	q, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   "pay-long",
		InvoiceID:   "inv-long",
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "100",
		MaxFee:      "100",
		ChannelID:   testChannelID,
		QuoteExpiry: time.Now().Unix() + 100000,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, q.Expiry, time.Now().Unix()+int64(QuoteTTL.Seconds()))
}

func TestQuoteRejectsPastExpiry(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   "pay-past",
		InvoiceID:   "inv-past",
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "100",
		MaxFee:      "100",
		ChannelID:   testChannelID,
		QuoteExpiry: time.Now().Unix() - 5,
	})
	assert.Equal(t, scp.CodePolicyViolation, errCode(t, err))
}

func TestQuoteDuplicatePaymentID(t *testing.T) {
	e := newEnv(t, false)
	e.quote("pay-1")
	_, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   "pay-1",
		InvoiceID:   "inv-other",
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "100",
		MaxFee:      "100",
		ChannelID:   testChannelID,
		QuoteExpiry: time.Now().Unix() + 60,
	})
	require.Error(t, err)
	assert.Equal(t, 409, scp.AsError(err).HTTPStatus())
}

func TestQuoteFeeExceedsMax(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   "pay-capped",
		InvoiceID:   "inv-capped",
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "1000000",
		MaxFee:      "3009",
		ChannelID:   testChannelID,
		QuoteExpiry: time.Now().Unix() + 60,
	})
	assert.Equal(t, scp.CodeFeeExceedsMax, errCode(t, err))
}

func TestIssueFirstPayment(t *testing.T) {
	e := newEnv(t, true)
	q := e.quote("pay-1")
	resp := e.mustIssue(q)

	signer, err := sign.RecoverTicketSigner(resp.Ticket)
	require.NoError(t, err)
	assert.Equal(t, e.hub.Address(), signer)
	assert.Equal(t, q.TicketDraft.TicketID, resp.TicketID)

	require.NotNil(t, resp.ChannelAck)
	assert.Equal(t, uint64(1), resp.ChannelAck.StateNonce)
	ch, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(t, err)
	require.NotNil(t, ch)
	recoveredB, err := e.domain.RecoverChannelStateSigner(ch.LatestState, resp.ChannelAck.SigB)
	require.NoError(t, err)
	assert.Equal(t, e.hub.Address(), recoveredB)
	assert.Equal(t, e.payer, ch.ParticipantA)

	p, err := e.store.GetPayment(e.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, scp.PaymentIssued, p.Status)
	assert.Equal(t, "1003010", p.TotalDebit)

	ledger, err := e.store.Ledger(e.ctx, e.payee)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, scp.LedgerIssued, ledger[0].Status)
	assert.Equal(t, "1000000", ledger[0].Amount)
}

func TestIssueConsumesQuote(t *testing.T) {
	e := newEnv(t, true)
	q := e.quote("pay-1")
	e.mustIssue(q)

	st, sig := e.nextState(q.TotalDebit)
	_, err := e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodeQuoteExpired, errCode(t, err))
}

func TestIssueRejectsTamperedQuote(t *testing.T) {
	e := newEnv(t, true)
	q := e.quote("pay-1")
	tampered := *q
	tampered.Fee = "0"
	tampered.TicketDraft.FeeCharged = "0"

	st, sig := e.nextState(q.TotalDebit)
	_, err := e.hub.Issue(e.ctx, &IssueRequest{Quote: tampered, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodePolicyViolation, errCode(t, err))
}

func TestIssueSecondPaymentAdvancesNonce(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))
	resp := e.mustIssue(e.quote("pay-2"))
	assert.Equal(t, uint64(2), resp.ChannelAck.StateNonce)

	ch, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ch.LatestNonce)
	// Two debits of 1003010 against a 5000000 channel.
	assert.Equal(t, "2993980", ch.LatestState.BalA)
	assert.Equal(t, "2006020", ch.LatestState.BalB)
}

func TestIssueNonceConflict(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))

	q := e.quote("pay-2")
	ch, err := e.store.GetChannel(e.ctx, testChannelID)
	require.NoError(t, err)

	// Re-present a state at the already-accepted nonce.
	stale := *ch.LatestState
	sig, err := e.domain.SignChannelState(&stale, e.payerKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: stale, SigA: sig})
	assert.Equal(t, scp.CodeNonceConflict, errCode(t, err))
}

func TestIssueConservationViolation(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))

	q := e.quote("pay-2")
	st, _ := e.nextState(q.TotalDebit)
	// Inflate the payee side so balA+balB grows.
	balB, _ := scp.ParseAmount(st.BalB)
	st.BalB = new(big.Int).Add(balB, big.NewInt(1)).String()
	sig, err := e.domain.SignChannelState(st, e.payerKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodePolicyViolation, errCode(t, err))
}

func TestIssueWrongDebitDelta(t *testing.T) {
	e := newEnv(t, true)
	e.mustIssue(e.quote("pay-1"))

	q := e.quote("pay-2")
	st, _ := e.nextState("1") // pays 1 instead of the quoted 1003010
	sig, err := e.domain.SignChannelState(st, e.payerKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodePolicyViolation, errCode(t, err))
}

func TestIssueExpiredState(t *testing.T) {
	e := newEnv(t, true)
	q := e.quote("pay-1")
	st, _ := e.nextState(q.TotalDebit)
	st.StateExpiry = time.Now().Unix() - 10
	sig, err := e.domain.SignChannelState(st, e.payerKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodeStateExpired, errCode(t, err))
}

func TestIssueFirstPaymentNeedsChain(t *testing.T) {
	e := newEnv(t, false)
	q := e.quote("pay-1")
	_, err := e.issue(q)
	assert.Equal(t, scp.CodeSettlementUnavailable, errCode(t, err))
}

func TestIssueFirstPaymentUnknownOnChain(t *testing.T) {
	e := newEnv(t, true)
	q, err := e.hub.Quote(e.ctx, &QuoteRequest{
		PaymentID:   "pay-ghost",
		InvoiceID:   "inv-ghost",
		Payee:       e.payee,
		Asset:       scp.ZeroAddress,
		Amount:      "1000000",
		MaxFee:      "5000",
		ChannelID:   "0x4444444444444444444444444444444444444444444444444444444444444444",
		QuoteExpiry: time.Now().Unix() + 60,
	})
	require.NoError(t, err)

	st := &scp.ChannelState{
		ChannelID:   "0x4444444444444444444444444444444444444444444444444444444444444444",
		StateNonce:  1,
		BalA:        "3996990",
		BalB:        "1003010",
		LocksRoot:   scp.ZeroHash32,
		StateExpiry: time.Now().Unix() + 600,
		ContextHash: scp.ZeroHash32,
	}
	sig, err := e.domain.SignChannelState(st, e.payerKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodeChannelNotFound, errCode(t, err))
}

func TestIssueFirstPaymentWrongSigner(t *testing.T) {
	e := newEnv(t, true)
	q := e.quote("pay-1")
	st, _ := e.nextState(q.TotalDebit)
	// Signed by the payee key, not the on-chain payer participant.
	sig, err := e.domain.SignChannelState(st, e.payeeKey)
	require.NoError(t, err)
	_, err = e.hub.Issue(e.ctx, &IssueRequest{Quote: *q, ChannelState: *st, SigA: sig})
	assert.Equal(t, scp.CodePolicyViolation, errCode(t, err))
}

func TestIssueCascadesThroughHubChannel(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.hub.RegisterPayeeChannel(e.ctx, &RegisterPayeeChannelRequest{
		Payee:        e.payee,
		ChannelID:    testHubChannelID,
		TotalDeposit: "5000000",
	})
	require.NoError(t, err)

	resp := e.mustIssue(e.quote("pay-1"))
	require.NotNil(t, resp.HubChannelAck)
	assert.Equal(t, testHubChannelID, resp.HubChannelAck.ChannelID)
	assert.Equal(t, uint64(1), resp.HubChannelAck.StateNonce)
	// Only the payment amount cascades; the fee stays with the hub.
	assert.Equal(t, "1000000", resp.HubChannelAck.BalB)

	hc, err := e.store.GetHubChannel(e.ctx, e.payee)
	require.NoError(t, err)
	require.NotNil(t, hc.LatestState)
	recovered, err := e.domain.RecoverChannelStateSigner(hc.LatestState, hc.SigA)
	require.NoError(t, err)
	assert.Equal(t, e.hub.Address(), recovered)
	assert.Equal(t, "4000000", hc.BalA)
}

func TestSweepExpiredQuotes(t *testing.T) {
	e := newEnv(t, false)

	// Plant an already-expired quote directly so the hub's sweep gate has
	// not been touched yet.
	require.NoError(t, e.store.Tx(e.ctx, func(s *store.State) error {
		s.Quotes[scp.QuoteKey("inv-pay-1", "pay-1")] = &scp.QuoteRecord{
			Quote: scp.Quote{
				InvoiceID: "inv-pay-1",
				PaymentID: "pay-1",
				Expiry:    time.Now().Unix() - 10,
			},
			ChannelID: testChannelID,
		}
		s.Payments["pay-1"] = &scp.Payment{PaymentID: "pay-1", Status: scp.PaymentQuoted}
		return nil
	}))

	pruned, err := e.hub.SweepExpiredQuotes(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	p, err := e.store.GetPayment(e.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, scp.PaymentExpired, p.Status)

	// Within the sweep interval the call is a gated no-op.
	pruned, err = e.hub.SweepExpiredQuotes(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestInfoDocument(t *testing.T) {
	e := newEnv(t, false)
	info := e.hub.Info()
	assert.Equal(t, e.hub.Address().Hex(), info.Address)
	assert.Equal(t, uint64(31337), info.ChainID)
	assert.Contains(t, info.Schemes, scp.SchemeHub)
	assert.Equal(t, int64(30), info.FeePolicy.Bps)
	assert.Equal(t, "10", info.FeePolicy.Base)
}
