// Package chain wraps a go-ethereum RPC client with the two operations the
// indexer needs: current chain head, and a bounded range of decoded
// SageStaking events. Event decoding dispatches on the log's first topic
// (the event signature hash) through a map lookup, never a cascading
// decode-attempt chain.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sage-finance/sagepoints/internal/model"
)

// sageStakingABI describes only the four events this indexer cares about.
// unpacking non-indexed fields from log data needs the ABI's type layout.
const sageStakingABI = `[
  {"type":"event","name":"Deposit","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"InitiateWithdraw","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"unlocksAt","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Withdraw","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"RestakeFromWithdrawalInitiated","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}
  ]}
]`

var parsedABI abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(sageStakingABI))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid embedded ABI: %v", err))
	}
	parsedABI = a
}

type decodeFunc func(log types.Log) (model.Event, error)

var decodersByTopic map[common.Hash]decodeFunc

func init() {
	decodersByTopic = map[common.Hash]decodeFunc{
		parsedABI.Events["Deposit"].ID:                        decodeDeposit,
		parsedABI.Events["InitiateWithdraw"].ID:                decodeInitiateWithdraw,
		parsedABI.Events["Withdraw"].ID:                        decodeWithdraw,
		parsedABI.Events["RestakeFromWithdrawalInitiated"].ID:  decodeRestake,
	}
}

// Client reads chain head and SageStaking logs over JSON-RPC.
type Client struct {
	eth             *ethclient.Client
	contractAddress common.Address
}

// Dial connects to rpcURL and targets contractAddress for log queries.
func Dial(ctx context.Context, rpcURL string, contractAddress common.Address) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return &Client{eth: eth, contractAddress: contractAddress}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

// HeadBlock returns the current chain head's block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("get chain head: %w", err)
	}
	return header.Number.Uint64(), nil
}

// FetchEvents returns every decoded SageStaking event in [fromBlock,
// toBlock], in log order. Logs that don't match a known topic are skipped
// (a different contract event, or an ABI drift) rather than erroring.
func (c *Client) FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]model.Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contractAddress},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", fromBlock, toBlock, err)
	}

	events := make([]model.Event, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		decode, ok := decodersByTopic[lg.Topics[0]]
		if !ok {
			continue
		}
		evt, err := decode(lg)
		if err != nil {
			return nil, fmt.Errorf("decode log at block %d index %d: %w", lg.BlockNumber, lg.Index, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func decodeDeposit(lg types.Log) (model.Event, error) {
	var data struct {
		Amount    *big.Int
		Nonce     *big.Int
		Timestamp *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&data, "Deposit", lg.Data); err != nil {
		return model.Event{}, err
	}
	nonce := data.Nonce.Uint64()
	return model.Event{
		EventType:       model.EventDeposit,
		UserAddress:     userFromTopic(lg.Topics[1]),
		Nonce:           &nonce,
		Amount:          data.Amount,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
		Timestamp:       data.Timestamp.Uint64(),
		LogIndex:        lg.Index,
	}, nil
}

func decodeInitiateWithdraw(lg types.Log) (model.Event, error) {
	var data struct {
		Nonce     *big.Int
		UnlocksAt *big.Int
		Timestamp *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&data, "InitiateWithdraw", lg.Data); err != nil {
		return model.Event{}, err
	}
	nonce := data.Nonce.Uint64()
	return model.Event{
		EventType:       model.EventInitiateWithdraw,
		UserAddress:     userFromTopic(lg.Topics[1]),
		Nonce:           &nonce,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
		Timestamp:       data.Timestamp.Uint64(),
		LogIndex:        lg.Index,
	}, nil
}

func decodeWithdraw(lg types.Log) (model.Event, error) {
	var data struct {
		Amount    *big.Int
		Nonce     *big.Int
		Timestamp *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&data, "Withdraw", lg.Data); err != nil {
		return model.Event{}, err
	}
	nonce := data.Nonce.Uint64()
	return model.Event{
		EventType:       model.EventWithdraw,
		UserAddress:     userFromTopic(lg.Topics[1]),
		Nonce:           &nonce,
		Amount:          data.Amount,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
		Timestamp:       data.Timestamp.Uint64(),
		LogIndex:        lg.Index,
	}, nil
}

func decodeRestake(lg types.Log) (model.Event, error) {
	var data struct {
		Nonce     *big.Int
		Amount    *big.Int
		Timestamp *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&data, "RestakeFromWithdrawalInitiated", lg.Data); err != nil {
		return model.Event{}, err
	}
	nonce := data.Nonce.Uint64()
	return model.Event{
		EventType:       model.EventRestake,
		UserAddress:     userFromTopic(lg.Topics[1]),
		Nonce:           &nonce,
		Amount:          data.Amount,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
		Timestamp:       data.Timestamp.Uint64(),
		LogIndex:        lg.Index,
	}, nil
}

func userFromTopic(topic common.Hash) string {
	return strings.ToLower(common.HexToAddress(topic.Hex()).Hex())
}
