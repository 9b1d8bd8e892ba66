// Package chain defines the hub's view of the on-chain channel contract.
// The contract itself is an external collaborator; the hub only reads
// channel records and submits settlement transactions against it, and every
// signature the hub produces must be acceptable to the contract's dispute
// logic because both sides share one EIP-712 domain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/scpnetwork/scp-go/scp"
)

// Channel mirrors the contract's getChannel result.
type Channel struct {
	ParticipantA       common.Address
	ParticipantB       common.Address
	Asset              common.Address
	ChallengePeriodSec uint64
	ChannelExpiry      uint64
	TotalBalance       *big.Int
	IsClosing          bool
	CloseDeadline      uint64
	LatestNonce        uint64
}

// Exists reports whether the channel is present on-chain; the contract
// returns a zero participantA for unknown ids.
func (c *Channel) Exists() bool {
	return c != nil && c.ParticipantA != (common.Address{})
}

// Reader reads channel records from the contract.
type Reader interface {
	GetChannel(ctx context.Context, channelID common.Hash) (*Channel, error)
}

// Settler submits settlement transactions. Implementations return the hash
// of the mined transaction only after it succeeded.
type Settler interface {
	// OpenChannel opens a hub-funded channel toward a payee.
	OpenChannel(ctx context.Context, payee, asset common.Address, deposit *big.Int,
		challengePeriodSec, channelExpiry uint64, salt [32]byte) (channelID, txHash common.Hash, err error)

	// CooperativeClose closes a channel at the given co-signed state.
	CooperativeClose(ctx context.Context, state *scp.ChannelState, sigA, sigB string) (common.Hash, error)

	// Transfer pays out directly: native value when asset is the zero
	// address, otherwise an ERC-20 transfer.
	Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) (common.Hash, error)
}

// Contract is the full collaborator surface the hub consumes.
type Contract interface {
	Reader
	Settler
}
