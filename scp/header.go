package scp

import (
	"encoding/json"
	"fmt"
)

// Payment header schemes.
const (
	SchemeHub    = "statechannel-hub-v1"
	SchemeDirect = "statechannel-direct-v1"
)

// PaymentHeader is the JSON structure a payer puts in the Payment-Signature
// header when presenting a payment to a payee. Exactly one of Ticket or
// Direct is set, selected by Scheme.
type PaymentHeader struct {
	Scheme       string         `json:"scheme,omitempty"`
	PaymentID    string         `json:"paymentId,omitempty"`
	InvoiceID    string         `json:"invoiceId,omitempty"`
	Ticket       *Ticket        `json:"ticket,omitempty"`
	Direct       *DirectPayment `json:"direct,omitempty"`
	ChannelProof *ChannelProof  `json:"channelProof,omitempty"`
}

// ParsePaymentHeader decodes a payment header value.
func ParsePaymentHeader(header string) (*PaymentHeader, error) {
	if header == "" {
		return nil, fmt.Errorf("missing payment header")
	}
	var h PaymentHeader
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("invalid payment header: %w", err)
	}
	return &h, nil
}

// DirectPayment is the peer-to-peer payment body: a payer-signed channel
// state advanced in the payee's favor, with no hub mediation.
type DirectPayment struct {
	Payer        string        `json:"payer"`
	Payee        string        `json:"payee"`
	Asset        string        `json:"asset,omitempty"`
	Amount       string        `json:"amount"`
	InvoiceID    string        `json:"invoiceId"`
	PaymentID    string        `json:"paymentId"`
	Expiry       int64         `json:"expiry"`
	ChannelState *ChannelState `json:"channelState"`
	SigA         string        `json:"sigA"`
}

// ChannelProof is an optional channel-level attachment to a hub ticket: the
// payer's signed state and its claimed hash, letting the payee check the
// debit really happened at the channel layer.
type ChannelProof struct {
	ChannelID    string        `json:"channelId"`
	StateNonce   uint64        `json:"stateNonce"`
	StateHash    string        `json:"stateHash"`
	SigA         string        `json:"sigA"`
	ChannelState *ChannelState `json:"channelState,omitempty"`
}

// ChannelAck is the hub's counter-signature over a newly accepted channel
// state. It is the payer's proof of the update even if the hub later
// misbehaves.
type ChannelAck struct {
	StateNonce uint64 `json:"stateNonce"`
	StateHash  string `json:"stateHash"`
	SigB       string `json:"sigB"`
}

// HubChannelAck acknowledges the nested hub→payee channel advance performed
// during issuance.
type HubChannelAck struct {
	ChannelID  string `json:"channelId"`
	StateNonce uint64 `json:"stateNonce"`
	BalB       string `json:"balB"`
	SigA       string `json:"sigA"`
}

// FeePolicy is the fee schedule advertised in the capability document.
type FeePolicy struct {
	Base         string `json:"base"`
	Bps          int64  `json:"bps"`
	GasSurcharge string `json:"gasSurcharge"`
}

// SignatureInfo describes how the hub signs tickets and states.
type SignatureInfo struct {
	Format    string `json:"format"`
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// HubInfo is the capability/discovery document served at
// /.well-known/x402. Payees use Address to pin the expected ticket signer.
type HubInfo struct {
	HubName         string        `json:"hubName"`
	Address         string        `json:"address"`
	ChainID         uint64        `json:"chainId"`
	Schemes         []string      `json:"schemes"`
	SupportedAssets []string      `json:"supportedAssets"`
	Modes           []string      `json:"modes"`
	Signature       SignatureInfo `json:"signature"`
	FeePolicy       FeePolicy     `json:"feePolicy"`
}
