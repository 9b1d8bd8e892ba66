package verify

import (
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
)

const directChannelID = "0x5555555555555555555555555555555555555555555555555555555555555555"

func testDomain() *sign.Domain {
	return sign.NewDomain(31337, common.HexToAddress("0x00000000000000000000000000000000000000c0"))
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func signedTicket(t *testing.T, hubKey *ecdsa.PrivateKey, payee string) scp.Ticket {
	t.Helper()
	draft := scp.TicketDraft{
		TicketID:   "tkt_1",
		Hub:        crypto.PubkeyToAddress(hubKey.PublicKey).Hex(),
		Payee:      payee,
		InvoiceID:  "inv-1",
		PaymentID:  "pay-1",
		Asset:      scp.ZeroAddress,
		Amount:     "1000000",
		FeeCharged: "3010",
		TotalDebit: "1003010",
		Expiry:     time.Now().Unix() + 120,
		PolicyHash: scp.ZeroHash32,
	}
	sig, err := sign.SignTicketDraft(draft, hubKey)
	require.NoError(t, err)
	return scp.Ticket{TicketDraft: draft, Sig: sig}
}

func hubHeader(t *testing.T, ticket scp.Ticket) string {
	t.Helper()
	raw, err := json.Marshal(scp.PaymentHeader{
		Scheme:    scp.SchemeHub,
		PaymentID: ticket.PaymentID,
		InvoiceID: ticket.InvoiceID,
		Ticket:    &ticket,
	})
	require.NoError(t, err)
	return string(raw)
}

func directHeader(t *testing.T, domain *sign.Domain, payerKey *ecdsa.PrivateKey, payee, amount string, nonce uint64, balB string) string {
	t.Helper()
	state := &scp.ChannelState{
		ChannelID:   directChannelID,
		StateNonce:  nonce,
		BalA:        "9000000",
		BalB:        balB,
		LocksRoot:   scp.ZeroHash32,
		StateExpiry: time.Now().Unix() + 600,
		ContextHash: scp.ZeroHash32,
	}
	sig, err := domain.SignChannelState(state, payerKey)
	require.NoError(t, err)
	raw, merr := json.Marshal(scp.PaymentHeader{
		Scheme:    scp.SchemeDirect,
		PaymentID: "pay-direct-1",
		InvoiceID: "inv-direct-1",
		Direct: &scp.DirectPayment{
			Payer:        crypto.PubkeyToAddress(payerKey.PublicKey).Hex(),
			Payee:        payee,
			Asset:        scp.ZeroAddress,
			Amount:       amount,
			InvoiceID:    "inv-direct-1",
			PaymentID:    "pay-direct-1",
			Expiry:       time.Now().Unix() + 300,
			ChannelState: state,
			SigA:         sig,
		},
	})
	require.NoError(t, merr)
	return string(raw)
}

func TestVerifyPayment(t *testing.T) {
	hubKey, hubAddr := newKey(t)
	_, payee := newKey(t)
	header := hubHeader(t, signedTicket(t, hubKey, payee))

	res, err := VerifyPayment(nil, header, Expect{Hub: hubAddr, Payee: payee, Amount: "1000000"})
	require.NoError(t, err)
	assert.Equal(t, scp.SchemeHub, res.Scheme)
	assert.Equal(t, "pay-1", res.PaymentID)
	assert.True(t, scp.SameAddress(res.Signer, hubAddr))
}

func TestVerifyPaymentWrongHub(t *testing.T) {
	hubKey, _ := newKey(t)
	_, payee := newKey(t)
	_, otherHub := newKey(t)
	header := hubHeader(t, signedTicket(t, hubKey, payee))

	_, err := VerifyPayment(nil, header, Expect{Hub: otherHub})
	assert.EqualError(t, err, "ticket signer mismatch")
}

func TestVerifyPaymentTampered(t *testing.T) {
	hubKey, hubAddr := newKey(t)
	_, payee := newKey(t)
	ticket := signedTicket(t, hubKey, payee)
	ticket.Amount = "1"
	ticket.TotalDebit = "3011"

	_, err := VerifyPayment(nil, hubHeader(t, ticket), Expect{Hub: hubAddr})
	assert.Error(t, err)
}

func TestVerifyPaymentExpired(t *testing.T) {
	hubKey, hubAddr := newKey(t)
	_, payee := newKey(t)
	ticket := signedTicket(t, hubKey, payee)
	draft := ticket.TicketDraft
	draft.Expiry = time.Now().Unix() - 10
	sig, err := sign.SignTicketDraft(draft, hubKey)
	require.NoError(t, err)

	_, err = VerifyPayment(nil, hubHeader(t, scp.Ticket{TicketDraft: draft, Sig: sig}), Expect{Hub: hubAddr})
	assert.EqualError(t, err, "expired")
}

func TestVerifyPaymentChannelProof(t *testing.T) {
	domain := testDomain()
	hubKey, hubAddr := newKey(t)
	payerKey, _ := newKey(t)
	_, payee := newKey(t)
	ticket := signedTicket(t, hubKey, payee)

	state := &scp.ChannelState{
		ChannelID:   directChannelID,
		StateNonce:  3,
		BalA:        "100",
		BalB:        "900",
		LocksRoot:   scp.ZeroHash32,
		StateExpiry: time.Now().Unix() + 600,
		ContextHash: scp.ZeroHash32,
	}
	stateHash, err := domain.HashChannelState(state)
	require.NoError(t, err)
	sigA, err := domain.SignChannelState(state, payerKey)
	require.NoError(t, err)

	raw, merr := json.Marshal(scp.PaymentHeader{
		Scheme:    scp.SchemeHub,
		PaymentID: ticket.PaymentID,
		Ticket:    &ticket,
		ChannelProof: &scp.ChannelProof{
			ChannelID:    directChannelID,
			StateNonce:   3,
			StateHash:    stateHash.Hex(),
			SigA:         sigA,
			ChannelState: state,
		},
	})
	require.NoError(t, merr)

	res, err := VerifyPayment(domain, string(raw), Expect{Hub: hubAddr})
	require.NoError(t, err)
	require.NotNil(t, res.ChannelProof)

	// A proof whose claimed hash does not match the state is rejected.
	var header scp.PaymentHeader
	require.NoError(t, json.Unmarshal(raw, &header))
	header.ChannelProof.StateHash = scp.ZeroHash32
	bad, merr := json.Marshal(header)
	require.NoError(t, merr)
	_, err = VerifyPayment(domain, string(bad), Expect{Hub: hubAddr})
	assert.EqualError(t, err, "state hash mismatch")
}

func TestVerifyDirectPayment(t *testing.T) {
	domain := testDomain()
	payerKey, _ := newKey(t)
	_, payee := newKey(t)
	tracker := NewChannelTracker()

	header := directHeader(t, domain, payerKey, payee, "250", 1, "250")
	res, err := VerifyDirectPayment(domain, header, Expect{Payee: payee, Amount: "250"}, tracker)
	require.NoError(t, err)
	assert.Equal(t, scp.SchemeDirect, res.Scheme)
	require.NotNil(t, res.Direct)

	// Re-presenting the same signed state is a double spend.
	_, err = VerifyDirectPayment(domain, header, Expect{Payee: payee}, tracker)
	assert.EqualError(t, err, "stale direct nonce")

	// The next state must move at least the amount toward the payee.
	short := directHeader(t, domain, payerKey, payee, "250", 2, "300")
	_, err = VerifyDirectPayment(domain, short, Expect{Payee: payee}, tracker)
	assert.EqualError(t, err, "insufficient direct delta")

	good := directHeader(t, domain, payerKey, payee, "250", 2, "500")
	_, err = VerifyDirectPayment(domain, good, Expect{Payee: payee}, tracker)
	assert.NoError(t, err)
}

func TestVerifyDirectPaymentForgedPayer(t *testing.T) {
	domain := testDomain()
	payerKey, _ := newKey(t)
	otherKey, _ := newKey(t)
	_, payee := newKey(t)

	header := directHeader(t, domain, payerKey, payee, "250", 1, "250")
	var payload scp.PaymentHeader
	require.NoError(t, json.Unmarshal([]byte(header), &payload))
	payload.Direct.Payer = crypto.PubkeyToAddress(otherKey.PublicKey).Hex()
	forged, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = VerifyDirectPayment(domain, string(forged), Expect{Payee: payee}, nil)
	assert.EqualError(t, err, "payer sig mismatch")
}

func TestReplayCache(t *testing.T) {
	cache := NewReplayCache()
	_, seen := cache.Get("pay-1")
	assert.False(t, seen)

	cache.Put("pay-1", []byte(`{"ok":true}`))
	resp, seen := cache.Get("pay-1")
	assert.True(t, seen)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestInvoiceLookups(t *testing.T) {
	invoices := InvoiceMap{
		"inv-1": {Amount: "100", Asset: scp.ZeroAddress},
		"inv-2": {},
	}
	assert.NoError(t, checkInvoice(invoices, "inv-1", "100", scp.ZeroAddress))
	assert.EqualError(t, checkInvoice(invoices, "inv-1", "99", scp.ZeroAddress), "invoice amount mismatch")
	assert.EqualError(t, checkInvoice(invoices, "inv-x", "100", scp.ZeroAddress), "unknown invoice")
	// Terms-free invoices accept any amount.
	assert.NoError(t, checkInvoice(invoices, "inv-2", "12345", scp.ZeroAddress))
	// A nil lookup accepts everything.
	assert.NoError(t, checkInvoice(nil, "inv-x", "1", ""))

	fn := InvoiceFunc(func(id string) (*Invoice, bool) { return nil, id == "open" })
	assert.NoError(t, checkInvoice(fn, "open", "5", ""))
	assert.Error(t, checkInvoice(fn, "closed", "5", ""))
}
