package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// payWithToken(address tokenAddress, uint256 amount) on the merchant's
// payment contract.
const paymentContractABI = `[
  {"name":"payWithToken","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]}
]`

var (
	parsedERC20ABI   = mustParseABI(erc20ABI)
	parsedPaymentABI = mustParseABI(paymentContractABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// contractCaller is the read-only slice of a backend the ERC-20 reader needs.
type contractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type ERC20 interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	Symbol(ctx context.Context) (string, error)
}

type erc20Reader struct {
	address common.Address
	caller  contractCaller
}

func newERC20(token common.Address, caller contractCaller) *erc20Reader {
	return &erc20Reader{address: token, caller: caller}
}

func (e *erc20Reader) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := e.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected return type %T", out[0])
	}
	return bal, nil
}

func (e *erc20Reader) Decimals(ctx context.Context) (uint8, error) {
	out, err := e.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected return type %T", out[0])
	}
	return d, nil
}

func (e *erc20Reader) Symbol(ctx context.Context) (string, error) {
	out, err := e.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol: unexpected return type %T", out[0])
	}
	return s, nil
}

func (e *erc20Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &e.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, e.address.Hex(), err)
	}

	out, err := parsedERC20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}
