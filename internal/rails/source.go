package rails

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeReader returns the native coin balance of an address in base units.
type NativeReader interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
}

// TokenReader returns a token balance of an address in base units.
type TokenReader interface {
	TokenBalance(ctx context.Context, token, address string) (*big.Int, error)
}

// NativeSource converts native balances (wei for ETH) to whole coins.
type NativeSource struct {
	Reader   NativeReader
	Decimals int32
}

// Balance implements BalanceSource.
func (s NativeSource) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	v, err := s.Reader.NativeBalance(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return fromBaseUnits(v, s.Decimals), nil
}

// TokenSource converts ERC-20 balances of Contract to whole tokens.
type TokenSource struct {
	Reader   TokenReader
	Contract string
	Decimals int32
}

// Balance implements BalanceSource.
func (s TokenSource) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	v, err := s.Reader.TokenBalance(ctx, s.Contract, address)
	if err != nil {
		return decimal.Zero, err
	}
	return fromBaseUnits(v, s.Decimals), nil
}

func fromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
