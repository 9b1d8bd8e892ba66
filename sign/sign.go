// Package sign implements the SCP signature domain: EIP-712 hashing and
// raw-digest signing of channel states, personal-message signing of ticket
// drafts, and the payee HTTP request authentication scheme.
//
// Channel-state digests already embed the 0x19 0x01 EIP-712 prefix, so they
// must be signed directly. Running them through a personal-message signing
// API would prefix them a second time and produce signatures the on-chain
// dispute contract can never verify.
package sign

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scpnetwork/scp-go/scp"
)

// DefaultName and DefaultVersion are the EIP-712 domain name and version the
// on-chain channel contract verifies against.
const (
	DefaultName    = "X402StateChannel"
	DefaultVersion = "1"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	// ChannelStateTypeHash is the EIP-712 type hash of the channel state
	// struct, field order fixed by the contract.
	ChannelStateTypeHash = crypto.Keccak256Hash(
		[]byte("ChannelState(bytes32 channelId,uint64 stateNonce,uint256 balA,uint256 balB,bytes32 locksRoot,uint64 stateExpiry,bytes32 contextHash)"))
)

// Domain scopes signatures to one (chainId, contract) deployment. It is
// constructed once at process start and passed explicitly into every signer
// and verifier call; there is no mutable process-wide default.
type Domain struct {
	Name     string
	Version  string
	ChainID  *big.Int
	Contract common.Address

	separator common.Hash
}

// NewDomain builds the domain for a chain and verifying contract, with the
// separator precomputed.
func NewDomain(chainID uint64, contract common.Address) *Domain {
	d := &Domain{
		Name:     DefaultName,
		Version:  DefaultVersion,
		ChainID:  new(big.Int).SetUint64(chainID),
		Contract: contract,
	}
	d.separator = crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256(([]byte)(d.Name)),
		crypto.Keccak256(([]byte)(d.Version)),
		uintWord(d.ChainID),
		addressWord(d.Contract),
	)
	return d
}

// Separator returns the cached EIP-712 domain separator.
func (d *Domain) Separator() common.Hash { return d.separator }

// HashChannelState computes the EIP-712 digest of a channel state under this
// domain: keccak256(0x19 0x01 ‖ separator ‖ structHash).
func (d *Domain) HashChannelState(state *scp.ChannelState) (common.Hash, error) {
	channelID, err := hash32(state.ChannelID, "channelId")
	if err != nil {
		return common.Hash{}, err
	}
	locksRoot, err := hash32(state.LocksRoot, "locksRoot")
	if err != nil {
		return common.Hash{}, err
	}
	contextHash, err := hash32(state.ContextHash, "contextHash")
	if err != nil {
		return common.Hash{}, err
	}
	balA, err := scp.ParseAmount(state.BalA)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balA: %w", err)
	}
	balB, err := scp.ParseAmount(state.BalB)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balB: %w", err)
	}
	if state.StateExpiry < 0 {
		return common.Hash{}, fmt.Errorf("stateExpiry must not be negative")
	}

	structHash := crypto.Keccak256Hash(
		ChannelStateTypeHash.Bytes(),
		channelID.Bytes(),
		uintWord(new(big.Int).SetUint64(state.StateNonce)),
		uintWord(balA),
		uintWord(balB),
		locksRoot.Bytes(),
		uintWord(new(big.Int).SetInt64(state.StateExpiry)),
		contextHash.Bytes(),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, d.separator.Bytes(), structHash.Bytes()), nil
}

// SignChannelState signs the raw EIP-712 digest with the given key and
// returns a 65-byte hex signature with v in {27,28}.
func (d *Domain) SignChannelState(state *scp.ChannelState, key *ecdsa.PrivateKey) (string, error) {
	digest, err := d.HashChannelState(state)
	if err != nil {
		return "", err
	}
	return signDigest(digest, key)
}

// RecoverChannelStateSigner recovers the address that signed the state's
// EIP-712 digest under this domain.
func (d *Domain) RecoverChannelStateSigner(state *scp.ChannelState, sig string) (common.Address, error) {
	digest, err := d.HashChannelState(state)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest, sig)
}

// TicketDigest is the keccak256 of the draft's canonical JSON encoding.
// Tickets are application-level receipts, not contract inputs, so unlike
// channel states they are signed through the personal-message path.
func TicketDigest(draft scp.TicketDraft) (common.Hash, error) {
	canonical, err := scp.CanonicalJSON(draft)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(canonical), nil
}

// SignTicketDraft signs the draft digest as an Ethereum personal message.
func SignTicketDraft(draft scp.TicketDraft, key *ecdsa.PrivateKey) (string, error) {
	digest, err := TicketDigest(draft)
	if err != nil {
		return "", err
	}
	return signDigest(common.BytesToHash(accounts.TextHash(digest.Bytes())), key)
}

// RecoverTicketSigner recovers the address that signed the ticket.
func RecoverTicketSigner(t scp.Ticket) (common.Address, error) {
	digest, err := TicketDigest(t.TicketDraft)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(common.BytesToHash(accounts.TextHash(digest.Bytes())), t.Sig)
}

func signDigest(digest common.Hash, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func recoverDigest(digest common.Hash, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func hash32(v, field string) (common.Hash, error) {
	if !scp.IsHex32(v) {
		return common.Hash{}, fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", field)
	}
	return common.HexToHash(v), nil
}

func uintWord(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}
