// Package chaintest provides an in-memory channel contract for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scpnetwork/scp-go/chain"
	"github.com/scpnetwork/scp-go/scp"
)

// Contract is a fake chain.Contract backed by a map. Channels are seeded
// with Put or opened through OpenChannel, and failures are injected by
// setting the Fail* fields.
type Contract struct {
	mu       sync.Mutex
	channels map[common.Hash]chain.Channel
	nextTx   uint64

	FailTransfer bool
	FailClose    bool
	FailOpen     bool

	// Transfers records every successful Transfer call in order.
	Transfers []TransferCall
	// Closes records every successful CooperativeClose call in order.
	Closes []*scp.ChannelState
}

type TransferCall struct {
	Asset  common.Address
	To     common.Address
	Amount *big.Int
	TxHash common.Hash
}

func New() *Contract {
	return &Contract{channels: make(map[common.Hash]chain.Channel)}
}

// Put seeds a channel record.
func (c *Contract) Put(id common.Hash, ch chain.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[id] = ch
}

func (c *Contract) GetChannel(_ context.Context, channelID common.Hash) (*chain.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return &chain.Channel{}, nil
	}
	cp := ch
	return &cp, nil
}

func (c *Contract) OpenChannel(_ context.Context, payee, asset common.Address, deposit *big.Int,
	challengePeriodSec, channelExpiry uint64, salt [32]byte) (common.Hash, common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOpen {
		return common.Hash{}, common.Hash{}, fmt.Errorf("chaintest: open failed")
	}
	id := crypto.Keccak256Hash(payee.Bytes(), asset.Bytes(), salt[:])
	c.channels[id] = chain.Channel{
		ParticipantA:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		ParticipantB:       payee,
		Asset:              asset,
		ChallengePeriodSec: challengePeriodSec,
		ChannelExpiry:      channelExpiry,
		TotalBalance:       new(big.Int).Set(deposit),
	}
	return id, c.txHash(), nil
}

func (c *Contract) CooperativeClose(_ context.Context, state *scp.ChannelState, sigA, sigB string) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailClose {
		return common.Hash{}, fmt.Errorf("chaintest: close failed")
	}
	if sigA == "" || sigB == "" {
		return common.Hash{}, fmt.Errorf("chaintest: close requires both signatures")
	}
	id := common.HexToHash(state.ChannelID)
	ch, ok := c.channels[id]
	if !ok {
		return common.Hash{}, fmt.Errorf("chaintest: unknown channel %s", state.ChannelID)
	}
	ch.IsClosing = true
	ch.LatestNonce = state.StateNonce
	c.channels[id] = ch
	c.Closes = append(c.Closes, state)
	return c.txHash(), nil
}

func (c *Contract) Transfer(_ context.Context, asset, to common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailTransfer {
		return common.Hash{}, fmt.Errorf("chaintest: transfer failed")
	}
	tx := c.txHash()
	c.Transfers = append(c.Transfers, TransferCall{
		Asset: asset, To: to, Amount: new(big.Int).Set(amount), TxHash: tx,
	})
	return tx, nil
}

func (c *Contract) txHash() common.Hash {
	c.nextTx++
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(c.nextTx >> (8 * (7 - i)))
	}
	return crypto.Keccak256Hash(b[:])
}

var _ chain.Contract = (*Contract)(nil)
