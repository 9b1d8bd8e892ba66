package hub

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/store"
)

// OpenPayeeChannelRequest asks the hub to open and fund an on-chain channel
// toward a payee so issued payments can cascade off-chain.
type OpenPayeeChannelRequest struct {
	Payee              string `json:"payee"`
	Asset              string `json:"asset,omitempty"`
	Deposit            string `json:"deposit,omitempty"`
	ChallengePeriodSec uint64 `json:"challengePeriodSec,omitempty"`
	ChannelExpiry      int64  `json:"channelExpiry,omitempty"`
}

// OpenPayeeChannelResult is the stored hub channel plus whether an existing
// open channel was returned instead of a new one.
type OpenPayeeChannelResult struct {
	scp.HubChannel
	AlreadyOpen bool `json:"-"`
}

// OpenPayeeChannel opens the hub's downstream channel with a payee on-chain.
// If one is already open it is returned unchanged.
func (h *Hub) OpenPayeeChannel(ctx context.Context, req *OpenPayeeChannelRequest) (*OpenPayeeChannelResult, error) {
	payee := lower(req.Payee)
	if !scp.IsHexAddress(payee) {
		return nil, scp.ErrValidation("payee must be 0x address")
	}
	if h.chain == nil {
		return nil, scp.ErrUnavailable(scp.CodeSettlementUnavailable, "hub has no on-chain provider or contract")
	}
	existing, err := h.store.GetHubChannel(ctx, payee)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ChannelID != "" && existing.Status != "closed" {
		return &OpenPayeeChannelResult{HubChannel: *existing, AlreadyOpen: true}, nil
	}

	asset := req.Asset
	if asset == "" {
		asset = scp.ZeroAddress
	}
	if !scp.IsHexAddress(asset) {
		return nil, scp.ErrValidation("asset must be 0x address")
	}
	deposit := new(big.Int)
	if req.Deposit != "" {
		deposit, err = scp.ParseAmount(req.Deposit)
		if err != nil {
			return nil, scp.ErrValidation("deposit: %v", err)
		}
	}
	challengePeriod := req.ChallengePeriodSec
	if challengePeriod == 0 {
		challengePeriod = 300
	}
	expiry := req.ChannelExpiry
	if expiry == 0 {
		expiry = nowSec() + 86400
	}
	var salt [32]byte
	copy(salt[:], fmt.Sprintf("hb-%d-%s", nowSec(), payee[2:8]))

	channelID, txHash, err := h.chain.OpenChannel(ctx,
		common.HexToAddress(payee), common.HexToAddress(asset),
		deposit, challengePeriod, uint64(expiry), salt)
	if err != nil {
		return nil, scp.NewError(scp.CodeSettlementFailed, 500, true, "open channel failed: %v", err)
	}

	hc := &scp.HubChannel{
		ChannelID:    channelID.Hex(),
		Payee:        common.HexToAddress(payee).Hex(),
		Asset:        asset,
		TotalDeposit: deposit.String(),
		BalA:         deposit.String(),
		BalB:         "0",
		Status:       "open",
		Nonce:        0,
		TxHash:       txHash.Hex(),
	}
	err = h.store.Tx(ctx, func(s *store.State) error {
		s.HubChannels[payee] = hc
		return nil
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(h.logW, "hub: opened payee channel %s for %s, tx %s\n", hc.ChannelID, payee, hc.TxHash)
	return &OpenPayeeChannelResult{HubChannel: *hc}, nil
}

// RegisterPayeeChannelRequest records a channel the payee already opened
// on-chain themselves.
type RegisterPayeeChannelRequest struct {
	Payee        string `json:"payee"`
	ChannelID    string `json:"channelId"`
	Asset        string `json:"asset,omitempty"`
	TotalDeposit string `json:"totalDeposit,omitempty"`
}

// RegisterPayeeChannel adopts an externally opened hub↔payee channel.
func (h *Hub) RegisterPayeeChannel(ctx context.Context, req *RegisterPayeeChannelRequest) (*OpenPayeeChannelResult, error) {
	payee := lower(req.Payee)
	if !scp.IsHexAddress(payee) || req.ChannelID == "" {
		return nil, scp.ErrValidation("payee and channelId required")
	}
	existing, err := h.store.GetHubChannel(ctx, payee)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ChannelID != "" && existing.Status != "closed" {
		return &OpenPayeeChannelResult{HubChannel: *existing, AlreadyOpen: true}, nil
	}
	asset := req.Asset
	if asset == "" {
		asset = scp.ZeroAddress
	}
	deposit := req.TotalDeposit
	if deposit == "" {
		deposit = "0"
	}
	if _, err := scp.ParseAmount(deposit); err != nil {
		return nil, scp.ErrValidation("totalDeposit: %v", err)
	}
	hc := &scp.HubChannel{
		ChannelID:    req.ChannelID,
		Payee:        common.HexToAddress(payee).Hex(),
		Asset:        asset,
		TotalDeposit: deposit,
		BalA:         deposit,
		BalB:         "0",
		Status:       "open",
		Nonce:        0,
	}
	err = h.store.Tx(ctx, func(s *store.State) error {
		s.HubChannels[payee] = hc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &OpenPayeeChannelResult{HubChannel: *hc}, nil
}

// PayeeChannelState returns the hub↔payee channel, including the latest
// hub-signed state the payee needs for cooperative close.
func (h *Hub) PayeeChannelState(ctx context.Context, payee string) (*scp.HubChannel, error) {
	if !scp.IsHexAddress(payee) {
		return nil, scp.ErrValidation("payee must be 0x address")
	}
	hc, err := h.store.GetHubChannel(ctx, payee)
	if err != nil {
		return nil, err
	}
	if hc == nil || hc.ChannelID == "" {
		return nil, scp.ErrNotFound(scp.CodeChannelNotFound, "no hub channel for this payee")
	}
	if hc.Status == "" {
		hc.Status = "open"
	}
	return hc, nil
}
