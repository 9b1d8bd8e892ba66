// Package hub implements the settlement hub: quoting and issuing tickets
// against payer channels, compensating refunds, the hub's own downstream
// payee channels, and on-chain settlement of accumulated earnings.
package hub

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scpnetwork/scp-go/chain"
	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
	"github.com/scpnetwork/scp-go/store"
	"github.com/scpnetwork/scp-go/webhook"
)

// QuoteTTL caps how far in the future a quote may expire regardless of what
// the caller asked for.
const QuoteTTL = 120 * time.Second

// DefaultQuoteSweepInterval rate-limits expired-quote sweeps.
const DefaultQuoteSweepInterval = 30 * time.Second

// Config assembles a Hub. Domain, Key, Store, and Webhooks are required;
// Chain is optional and its absence disables on-chain verification,
// settlement, and channel opening.
type Config struct {
	Domain   *sign.Domain
	Key      *ecdsa.PrivateKey
	Store    *store.Storage
	Webhooks *webhook.Manager
	Chain    chain.Contract

	HubName      string
	DefaultAsset string

	// Fee schedule: fee = FeeBase + amount*FeeBps/10000 + GasSurcharge.
	FeeBase      *big.Int
	FeeBps       *big.Int
	GasSurcharge *big.Int

	// SettlementMode is the default when a settle request names none.
	SettlementMode string

	QuoteSweepInterval time.Duration
	LogWriter          io.Writer
}

// Hub is the settlement hub core. All methods are safe for concurrent use;
// state lives in the store and every mutation goes through one transaction.
type Hub struct {
	domain   *sign.Domain
	key      *ecdsa.PrivateKey
	address  common.Address
	store    *store.Storage
	hooks    *webhook.Manager
	chain    chain.Contract
	contract common.Address

	hubName      string
	defaultAsset string
	feeBase      *big.Int
	feeBps       *big.Int
	gasSurcharge *big.Int
	settleMode   string

	sweepInterval time.Duration
	sweepMu       sync.Mutex
	lastSweepAt   time.Time

	logW io.Writer
}

// New validates the config and builds a Hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Domain == nil {
		return nil, fmt.Errorf("hub: Domain is required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("hub: Key is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("hub: Store is required")
	}
	if cfg.Webhooks == nil {
		return nil, fmt.Errorf("hub: Webhooks is required")
	}
	h := &Hub{
		domain:        cfg.Domain,
		key:           cfg.Key,
		address:       crypto.PubkeyToAddress(cfg.Key.PublicKey),
		store:         cfg.Store,
		hooks:         cfg.Webhooks,
		chain:         cfg.Chain,
		contract:      cfg.Domain.Contract,
		hubName:       cfg.HubName,
		defaultAsset:  cfg.DefaultAsset,
		feeBase:       cfg.FeeBase,
		feeBps:        cfg.FeeBps,
		gasSurcharge:  cfg.GasSurcharge,
		settleMode:    cfg.SettlementMode,
		sweepInterval: cfg.QuoteSweepInterval,
		logW:          cfg.LogWriter,
	}
	if h.hubName == "" {
		h.hubName = "pay.eth"
	}
	if h.defaultAsset == "" {
		h.defaultAsset = scp.ZeroAddress
	}
	if h.feeBase == nil {
		h.feeBase = big.NewInt(10)
	}
	if h.feeBps == nil {
		h.feeBps = big.NewInt(30)
	}
	if h.gasSurcharge == nil {
		h.gasSurcharge = new(big.Int)
	}
	if h.settleMode == "" {
		h.settleMode = ModeCooperativeClose
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = DefaultQuoteSweepInterval
	}
	if h.logW == nil {
		h.logW = io.Discard
	}
	return h, nil
}

// Address returns the hub's signing address.
func (h *Hub) Address() common.Address { return h.address }

// Info returns the capability document served at /.well-known/x402.
func (h *Hub) Info() *scp.HubInfo {
	return &scp.HubInfo{
		HubName:         h.hubName,
		Address:         h.address.Hex(),
		ChainID:         h.domain.ChainID.Uint64(),
		Schemes:         []string{scp.SchemeHub},
		SupportedAssets: []string{h.defaultAsset, scp.ZeroAddress},
		Modes:           []string{"proxy_hold", "peer_simple"},
		Signature: scp.SignatureInfo{
			Format:    "eth_sign",
			KeyID:     "hub-main-1",
			PublicKey: h.address.Hex(),
		},
		FeePolicy: scp.FeePolicy{
			Base:         h.feeBase.String(),
			Bps:          h.feeBps.Int64(),
			GasSurcharge: h.gasSurcharge.String(),
		},
	}
}

// CalcFee computes the fee for an amount under the hub's schedule.
func (h *Hub) CalcFee(amount *big.Int) (*big.Int, *scp.FeeBreakdown) {
	variable := new(big.Int).Mul(amount, h.feeBps)
	variable.Quo(variable, big.NewInt(10000))
	fee := new(big.Int).Add(h.feeBase, variable)
	fee.Add(fee, h.gasSurcharge)
	return fee, &scp.FeeBreakdown{
		Base:         h.feeBase.String(),
		Bps:          h.feeBps.Int64(),
		Variable:     variable.String(),
		GasSurcharge: h.gasSurcharge.String(),
	}
}

// SweepExpiredQuotes prunes expired quotes and marks their payments expired.
// Calls inside the sweep interval are no-ops so hot paths can call it freely.
func (h *Hub) SweepExpiredQuotes(ctx context.Context) (int, error) {
	h.sweepMu.Lock()
	if time.Since(h.lastSweepAt) < h.sweepInterval {
		h.sweepMu.Unlock()
		return 0, nil
	}
	h.lastSweepAt = time.Now()
	h.sweepMu.Unlock()

	ts := time.Now().Unix()
	pruned := 0
	err := h.store.Tx(ctx, func(s *store.State) error {
		pruned = 0
		for key, rec := range s.Quotes {
			if rec.Quote.Expiry >= ts {
				continue
			}
			delete(s.Quotes, key)
			pruned++
			if p := s.Payments[rec.Quote.PaymentID]; p != nil && p.Status == scp.PaymentQuoted {
				p.Status = scp.PaymentExpired
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		fmt.Fprintf(h.logW, "hub: pruned %d expired quotes\n", pruned)
	}
	return pruned, nil
}

// RunQuoteSweeper sweeps on a ticker until the context ends.
func (h *Hub) RunQuoteSweeper(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := h.SweepExpiredQuotes(ctx); err != nil {
				fmt.Fprintf(h.logW, "hub: quote sweep failed: %v\n", err)
			}
		}
	}
}

// randomID builds a prefixed random identifier like tkt_9f2c....
func randomID(prefix string) string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// policyHash hashes an arbitrary policy payload into the ticket draft.
func policyHash(v any) (string, error) {
	canonical, err := scp.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(canonical).Hex(), nil
}

func nowSec() int64 { return time.Now().Unix() }

func lower(s string) string { return strings.ToLower(s) }

func hashFromHex(v string) common.Hash { return common.HexToHash(v) }
