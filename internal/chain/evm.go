// Package chain reads balances from an EVM JSON-RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Minimal ERC-20 ABI for balanceOf.
const erc20ABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
var ErrInvalidAddress = errors.New("invalid address")

// Backend is the subset of *ethclient.Client used here.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVM reads native and ERC-20 balances at the latest block.
type EVM struct {
	backend Backend
	erc20   abi.ABI
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*EVM, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	evm, err := New(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return evm, client.Close, nil
}

// New wraps an existing backend.
func New(b Backend) (*EVM, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &EVM{backend: b, erc20: parsed}, nil
}

// NativeBalance returns the wei balance of address.
func (e *EVM) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	bal, err := e.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// TokenBalance returns the ERC-20 balance of address in token base units.
func (e *EVM) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	contract, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	data, err := e.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}
	result, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}
	// Some tokens return nothing for empty accounts.
	if len(result) == 0 {
		return big.NewInt(0), nil
	}

	out, err := e.erc20.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty result from contract call")
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type: %T", out[0])
	}
	return bal, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
