package hub

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/store"
)

// Settlement modes.
const (
	ModeCooperativeClose = "cooperative_close"
	ModeDirect           = "direct"
)

var idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9:_-]{6,128}$`)

// SettleRequest asks the hub to settle a payee's unsettled earnings for one
// asset on-chain. SigB is the payee's counter-signature over the latest
// hub-payee channel state and is required in cooperative_close mode.
type SettleRequest struct {
	Payee          string `json:"payee"`
	Asset          string `json:"asset,omitempty"`
	Mode           string `json:"mode,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	SigB           string `json:"sigB,omitempty"`
}

// SettleResponse reports the settlement outcome.
type SettleResponse struct {
	Payee            string `json:"payee"`
	Amount           string `json:"amount"`
	Asset            string `json:"asset,omitempty"`
	Mode             string `json:"mode"`
	TxHash           string `json:"txHash,omitempty"`
	SettledCount     int    `json:"settledCount,omitempty"`
	ChannelID        string `json:"channelId,omitempty"`
	SettlementID     string `json:"settlementId,omitempty"`
	IdempotentReplay bool   `json:"idempotentReplay,omitempty"`
	Message          string `json:"message,omitempty"`
}

// parseMode normalizes a settlement mode, falling back to the hub default.
func (h *Hub) parseMode(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		v = h.settleMode
	}
	switch v {
	case ModeCooperativeClose, "channel_close", "cooperative":
		return ModeCooperativeClose, nil
	case ModeDirect:
		return ModeDirect, nil
	default:
		return "", scp.ErrValidation("mode must be cooperative_close|direct")
	}
}

// Settle reserves the payee's unsettled ledger entries, performs the
// on-chain transfer or cooperative close, and commits the outcome. A failure
// between reserve and commit rolls the entries back to issued. No store
// transaction ever spans the chain call.
func (h *Hub) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	payee := lower(req.Payee)
	if !scp.IsHexAddress(payee) {
		return nil, scp.ErrValidation("payee must be 0x address")
	}
	if h.chain == nil {
		return nil, scp.ErrUnavailable(scp.CodeSettlementUnavailable, "hub has no on-chain provider")
	}
	asset := req.Asset
	if asset == "" {
		asset = scp.ZeroAddress
	}
	if !scp.IsHexAddress(asset) {
		return nil, scp.ErrValidation("asset must be 0x address")
	}
	mode, err := h.parseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" && !idempotencyKeyRe.MatchString(idemKey) {
		return nil, scp.ErrValidation("idempotencyKey must match [A-Za-z0-9:_-]{6,128}")
	}

	settlementID := "stl_" + uuid.NewString()
	idemScopeKey := ""
	if idemKey != "" {
		idemScopeKey = fmt.Sprintf("%s:%s:%s:%s", payee, lower(asset), mode, idemKey)
		replay, err := h.reserveIdempotency(ctx, idemScopeKey, settlementID, payee, asset, mode, idemKey)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return h.replaySettlement(replay)
		}
	}

	unsettled, reserved, err := h.reserveLedger(ctx, payee, asset, settlementID)
	if err != nil {
		return nil, err
	}
	if unsettled.Sign() == 0 {
		if idemScopeKey != "" {
			_ = h.store.Tx(ctx, func(s *store.State) error {
				st := s.Settlements[settlementID]
				if st == nil {
					st = &scp.Settlement{SettlementID: settlementID}
					s.Settlements[settlementID] = st
				}
				st.Payee = payee
				st.Asset = asset
				st.Mode = mode
				st.Status = scp.SettlementCompleted
				st.Amount = "0"
				st.CompletedAt = nowSec()
				return nil
			})
		}
		return &SettleResponse{Payee: payee, Amount: "0", Mode: mode, Message: "nothing to settle"}, nil
	}

	txHash, closeChannelID, closeSigB, attemptErr := h.attemptSettlement(ctx, payee, asset, mode, unsettled, req.SigB)
	if attemptErr != nil {
		if rbErr := h.rollbackSettlement(ctx, payee, settlementID, idemScopeKey, asset, mode, attemptErr); rbErr != nil {
			fmt.Fprintf(h.logW, "hub: settlement rollback failed: %v\n", rbErr)
		}
		return nil, attemptErr
	}

	err = h.store.Tx(ctx, func(s *store.State) error {
		for _, entry := range s.Ledger(payee) {
			if entry.Status == scp.LedgerSettling && entry.SettlementID == settlementID {
				entry.Status = scp.LedgerSettled
				entry.SettleTx = txHash
				entry.SettledAt = nowSec()
				entry.SettlementID = ""
			}
		}
		if idemScopeKey != "" {
			st := s.Settlements[settlementID]
			if st == nil {
				st = &scp.Settlement{SettlementID: settlementID}
				s.Settlements[settlementID] = st
			}
			st.Payee = payee
			st.Asset = asset
			st.Mode = mode
			st.Status = scp.SettlementCompleted
			st.Amount = unsettled.String()
			st.TxHash = txHash
			st.SettledCount = len(reserved)
			st.CompletedAt = nowSec()
		}
		if mode == ModeCooperativeClose {
			if hc := s.HubChannels[payee]; hc != nil && hc.ChannelID == closeChannelID {
				hc.Status = "closed"
				hc.ClosedAt = nowSec()
				hc.CloseTx = txHash
				hc.SigB = closeSigB
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(h.logW, "hub: settled %s for %s in %s mode, tx %s\n", unsettled, payee, mode, txHash)
	resp := &SettleResponse{
		Payee:        payee,
		Amount:       unsettled.String(),
		Asset:        asset,
		Mode:         mode,
		TxHash:       txHash,
		SettledCount: len(reserved),
	}
	if mode == ModeCooperativeClose {
		resp.ChannelID = closeChannelID
	}
	if idemScopeKey != "" {
		resp.SettlementID = settlementID
	}
	return resp, nil
}

// reserveIdempotency claims the idempotency key or returns the settlement it
// already maps to.
func (h *Hub) reserveIdempotency(ctx context.Context, scopeKey, settlementID, payee, asset, mode, idemKey string) (*scp.Settlement, error) {
	var replay *scp.Settlement
	err := h.store.Tx(ctx, func(s *store.State) error {
		replay = nil
		if existingID := s.SettlementsByIdem[scopeKey]; existingID != "" {
			if existing := s.Settlements[existingID]; existing != nil {
				cp := *existing
				replay = &cp
				return nil
			}
		}
		s.SettlementsByIdem[scopeKey] = settlementID
		s.Settlements[settlementID] = &scp.Settlement{
			SettlementID:   settlementID,
			Payee:          payee,
			Asset:          asset,
			Mode:           mode,
			IdempotencyKey: idemKey,
			Status:         scp.SettlementPending,
			CreatedAt:      nowSec(),
		}
		return nil
	})
	return replay, err
}

func (h *Hub) replaySettlement(prev *scp.Settlement) (*SettleResponse, error) {
	switch prev.Status {
	case scp.SettlementCompleted:
		return &SettleResponse{
			Payee:            prev.Payee,
			Amount:           prev.Amount,
			Asset:            prev.Asset,
			TxHash:           prev.TxHash,
			SettledCount:     prev.SettledCount,
			Mode:             prev.Mode,
			SettlementID:     prev.SettlementID,
			IdempotentReplay: true,
		}, nil
	case scp.SettlementPending:
		return nil, scp.NewError(scp.CodeSettlementInProgress, 409, true, "idempotent settlement is still pending")
	default:
		return nil, scp.NewError(scp.CodeSettlementFailed, 409, true, "idempotent settlement previously failed; use a new key")
	}
}

// reserveLedger flips matching issued entries to settling under this
// settlement id and sums them. Only entries in the requested asset count.
func (h *Hub) reserveLedger(ctx context.Context, payee, asset, settlementID string) (*big.Int, []string, error) {
	unsettled := new(big.Int)
	var reserved []string
	err := h.store.Tx(ctx, func(s *store.State) error {
		unsettled.SetInt64(0)
		reserved = reserved[:0]
		for _, entry := range s.Ledger(payee) {
			if entry.Status != scp.LedgerIssued || !scp.SameAddress(entry.Asset, asset) {
				continue
			}
			amount, err := scp.ParseAmount(entry.Amount)
			if err != nil {
				continue
			}
			unsettled.Add(unsettled, amount)
			entry.Status = scp.LedgerSettling
			entry.SettlementID = settlementID
			reserved = append(reserved, entry.PaymentID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return unsettled, reserved, nil
}

// attemptSettlement performs the on-chain leg. It runs outside any store
// transaction.
func (h *Hub) attemptSettlement(ctx context.Context, payee, asset, mode string, amount *big.Int, sigB string) (txHash, closeChannelID, closeSigB string, err error) {
	if mode == ModeCooperativeClose {
		hc, err := h.store.GetHubChannel(ctx, payee)
		if err != nil {
			return "", "", "", err
		}
		if hc == nil || hc.ChannelID == "" || hc.Status == "closed" || hc.LatestState == nil || hc.SigA == "" {
			return "", "", "", scp.ErrConflict(scp.CodeChannelNotFound, "no open hub-payee channel with signed state")
		}
		channelBalB, perr := scp.ParseAmount(hc.BalB)
		if perr != nil {
			return "", "", "", scp.ErrConflict(scp.CodePolicyViolation, "invalid hub-payee channel balance")
		}
		if channelBalB.Cmp(amount) != 0 {
			return "", "", "", scp.ErrConflict(scp.CodePolicyViolation,
				"hub-payee channel balB does not match unsettled ledger; use direct mode or reopen channel")
		}
		if sigB == "" {
			return "", "", "", scp.ErrValidation("sigB is required for cooperative_close settlement")
		}
		recoveredB, rerr := h.domain.RecoverChannelStateSigner(hc.LatestState, sigB)
		if rerr != nil {
			return "", "", "", scp.ErrConflict(scp.CodePolicyViolation, "invalid sigB")
		}
		if !scp.SameAddress(recoveredB.Hex(), payee) {
			return "", "", "", scp.ErrConflict(scp.CodePolicyViolation, "sigB must recover to payee")
		}
		tx, cerr := h.chain.CooperativeClose(ctx, hc.LatestState, hc.SigA, sigB)
		if cerr != nil {
			return "", "", "", scp.NewError(scp.CodeSettlementFailed, 500, true, "cooperative close failed: %v", cerr)
		}
		return tx.Hex(), hc.ChannelID, sigB, nil
	}

	tx, terr := h.chain.Transfer(ctx, common.HexToAddress(asset), common.HexToAddress(payee), amount)
	if terr != nil {
		return "", "", "", scp.NewError(scp.CodeSettlementFailed, 500, true, "settlement transfer failed: %v", terr)
	}
	return tx.Hex(), "", "", nil
}

// rollbackSettlement returns reserved entries to issued and records the
// failure against the idempotency key.
func (h *Hub) rollbackSettlement(ctx context.Context, payee, settlementID, idemScopeKey, asset, mode string, cause error) error {
	return h.store.Tx(ctx, func(s *store.State) error {
		for _, entry := range s.Ledger(payee) {
			if entry.Status == scp.LedgerSettling && entry.SettlementID == settlementID {
				entry.Status = scp.LedgerIssued
				entry.SettlementID = ""
			}
		}
		if idemScopeKey != "" {
			st := s.Settlements[settlementID]
			if st == nil {
				st = &scp.Settlement{SettlementID: settlementID}
				s.Settlements[settlementID] = st
			}
			st.Payee = payee
			st.Asset = asset
			st.Mode = mode
			st.Status = scp.SettlementFailed
			st.Code = scp.AsError(cause).Code
			st.Error = cause.Error()
			st.FailedAt = nowSec()
		}
		return nil
	})
}
