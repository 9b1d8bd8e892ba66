package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/scpnetwork/scp-go/scp"
)

const contractABI = `[
	{"type":"function","name":"getChannel","stateMutability":"view","inputs":[{"name":"channelId","type":"bytes32"}],"outputs":[{"name":"participantA","type":"address"},{"name":"participantB","type":"address"},{"name":"asset","type":"address"},{"name":"challengePeriod","type":"uint64"},{"name":"channelExpiry","type":"uint64"},{"name":"totalBalance","type":"uint256"},{"name":"isClosing","type":"bool"},{"name":"closeDeadline","type":"uint64"},{"name":"latestNonce","type":"uint64"}]},
	{"type":"function","name":"openChannel","stateMutability":"payable","inputs":[{"name":"participantB","type":"address"},{"name":"asset","type":"address"},{"name":"deposit","type":"uint256"},{"name":"challengePeriod","type":"uint64"},{"name":"channelExpiry","type":"uint64"},{"name":"salt","type":"bytes32"}],"outputs":[{"name":"channelId","type":"bytes32"}]},
	{"type":"function","name":"cooperativeClose","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"stateNonce","type":"uint64"},{"name":"balA","type":"uint256"},{"name":"balB","type":"uint256"},{"name":"locksRoot","type":"bytes32"},{"name":"stateExpiry","type":"uint64"},{"name":"contextHash","type":"bytes32"},{"name":"sigA","type":"bytes"},{"name":"sigB","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"ChannelOpened","inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"participantA","type":"address","indexed":true},{"name":"participantB","type":"address","indexed":true}]}
]`

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Client talks to the channel contract over an Ethereum JSON-RPC endpoint.
// It implements Contract.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	abi      abi.ABI
	erc20    abi.ABI

	// ReceiptTimeout bounds how long a settlement waits for its
	// transaction to mine. Zero means 90 seconds.
	ReceiptTimeout time.Duration
}

// NewClient dials the endpoint and binds the contract at the given address.
// The key funds and signs every transaction the hub submits.
func NewClient(ctx context.Context, rpcURL string, contract common.Address, key *ecdsa.PrivateKey) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, err
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	return &Client{
		eth:      eth,
		contract: contract,
		key:      key,
		chainID:  chainID,
		abi:      parsed,
		erc20:    erc20,
	}, nil
}

// ChainID returns the id reported by the endpoint at dial time.
func (c *Client) ChainID() uint64 { return c.chainID.Uint64() }

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

func (c *Client) GetChannel(ctx context.Context, channelID common.Hash) (*Channel, error) {
	data, err := c.abi.Pack("getChannel", channelID)
	if err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getChannel: %w", err)
	}
	vals, err := c.abi.Unpack("getChannel", out)
	if err != nil {
		return nil, fmt.Errorf("getChannel decode: %w", err)
	}
	return &Channel{
		ParticipantA:       vals[0].(common.Address),
		ParticipantB:       vals[1].(common.Address),
		Asset:              vals[2].(common.Address),
		ChallengePeriodSec: vals[3].(uint64),
		ChannelExpiry:      vals[4].(uint64),
		TotalBalance:       vals[5].(*big.Int),
		IsClosing:          vals[6].(bool),
		CloseDeadline:      vals[7].(uint64),
		LatestNonce:        vals[8].(uint64),
	}, nil
}

func (c *Client) OpenChannel(ctx context.Context, payee, asset common.Address, deposit *big.Int,
	challengePeriodSec, channelExpiry uint64, salt [32]byte) (common.Hash, common.Hash, error) {
	data, err := c.abi.Pack("openChannel", payee, asset, deposit, challengePeriodSec, channelExpiry, salt)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	var value *big.Int
	if asset == (common.Address{}) {
		value = deposit
	}
	receipt, txHash, err := c.send(ctx, c.contract, value, data)
	if err != nil {
		return common.Hash{}, txHash, err
	}
	openedID := c.abi.Events["ChannelOpened"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == openedID {
			return lg.Topics[1], txHash, nil
		}
	}
	return common.Hash{}, txHash, fmt.Errorf("openChannel: no ChannelOpened event in %s", txHash)
}

func (c *Client) CooperativeClose(ctx context.Context, state *scp.ChannelState, sigA, sigB string) (common.Hash, error) {
	balA, err := scp.ParseAmount(state.BalA)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balA: %w", err)
	}
	balB, err := scp.ParseAmount(state.BalB)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balB: %w", err)
	}
	rawA, err := hexutil.Decode(sigA)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sigA: %w", err)
	}
	rawB, err := hexutil.Decode(sigB)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sigB: %w", err)
	}
	data, err := c.abi.Pack("cooperativeClose",
		common.HexToHash(state.ChannelID), state.StateNonce, balA, balB,
		common.HexToHash(state.LocksRoot), state.StateExpiry,
		common.HexToHash(state.ContextHash), rawA, rawB)
	if err != nil {
		return common.Hash{}, err
	}
	_, txHash, err := c.send(ctx, c.contract, nil, data)
	return txHash, err
}

func (c *Client) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) (common.Hash, error) {
	if asset == (common.Address{}) {
		_, txHash, err := c.send(ctx, to, amount, nil)
		return txHash, err
	}
	data, err := c.erc20.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	_, txHash, err := c.send(ctx, asset, nil, data)
	return txHash, err
}

// send signs and submits a transaction, then blocks until the receipt
// shows success.
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, common.Hash, error) {
	from := crypto.PubkeyToAddress(c.key.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &to, Value: value, Data: data, GasPrice: gasPrice,
	})
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, data)
	signer := types.LatestSignerForChainID(c.chainID)
	signed, err := types.SignTx(tx, signer, c.key)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, signed.Hash(), fmt.Errorf("send: %w", err)
	}
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, signed.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, signed.Hash(), fmt.Errorf("transaction %s reverted", signed.Hash())
	}
	return receipt, signed.Hash(), nil
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	timeout := c.ReceiptTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ Contract = (*Client)(nil)
