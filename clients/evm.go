package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	storetypes "github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
	"github.com/vitwit/storefront/verification"
)

var _ Client = (*EVMClient)(nil)

// dropGrace is how long a transaction we broadcast may be invisible to the
// node before it is reported as dropped.
const dropGrace = 2 * time.Minute

// Backend is the subset of an Ethereum JSON-RPC client the EVM client uses.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EVMClient submits storefront payments to an EVM network and reads back
// their status and the balances involved.
type EVMClient struct {
	network storetypes.Network
	backend Backend
	closer  func()
	policy  verification.Policy

	signer *ecdsa.PrivateKey
	from   common.Address

	// mu serializes nonce allocation and guards the fields below.
	mu        sync.Mutex
	chainID   *big.Int
	submitted map[common.Hash]time.Time
	now       func() time.Time
}

// NewEVMClient dials rpcURL and returns a client signing with signerKey.
func NewEVMClient(network storetypes.Network, rpcURL, signerKey string, policy verification.Policy) (*EVMClient, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	client, err := NewEVMClientWithBackend(network, rpc, signerKey, policy)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.closer = rpc.Close
	return client, nil
}

// NewEVMClientWithBackend wraps an existing backend. An empty signerKey
// yields a read-only client.
func NewEVMClientWithBackend(network storetypes.Network, backend Backend, signerKey string, policy verification.Policy) (*EVMClient, error) {
	if backend == nil {
		return nil, errors.New("backend is nil")
	}

	c := &EVMClient{
		network:   network,
		backend:   backend,
		policy:    policy,
		submitted: make(map[common.Hash]time.Time),
		now:       time.Now,
	}

	if signerKey != "" {
		key, err := utils.PrivateKeyFromHex(signerKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		c.signer = key
		c.from = utils.AddressFromPrivateKey(key)
	}

	return c, nil
}

// Close implements Client.
func (c *EVMClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Network implements Client.
func (c *EVMClient) Network() storetypes.Network {
	return c.network
}

// From returns the signer address, or the zero address for read-only clients.
func (c *EVMClient) From() common.Address {
	return c.from
}

// Submit implements Submitter. Wallet-connect payments are plain value
// transfers to destination; token-transfer payments call payWithToken on the
// payment contract at destination.
func (c *EVMClient) Submit(ctx context.Context, destination string, req storetypes.TransferRequest) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	to := common.HexToAddress(destination)

	value, data, err := c.buildCall(req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.submitted[signed.Hash()] = c.now()
	return signed.Hash().Hex(), nil
}

func (c *EVMClient) buildCall(req storetypes.TransferRequest) (*big.Int, []byte, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("amount must be positive, got %s", req.Amount.String())
	}

	units, err := utils.ToBaseUnits(req.Amount, utils.NativeDecimals)
	if err != nil {
		return nil, nil, err
	}

	switch req.Method {
	case storetypes.MethodWalletConnect:
		return units, nil, nil

	case storetypes.MethodTokenTransfer:
		if !common.IsHexAddress(req.Token) {
			return nil, nil, ErrMissingToken
		}
		data, err := parsedPaymentABI.Pack("payWithToken", common.HexToAddress(req.Token), units)
		if err != nil {
			return nil, nil, fmt.Errorf("pack payWithToken: %w", err)
		}
		return new(big.Int), data, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
}

// resolveChainID fetches and caches the backend chain id. Callers hold c.mu.
func (c *EVMClient) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	if want, ok := c.network.ChainID(); ok && c.network != storetypes.NetworkLocal && id.Int64() != want {
		return nil, fmt.Errorf("%w: network %s expects %d, backend reports %s", ErrChainIDMismatch, c.network, want, id)
	}

	c.chainID = id
	return id, nil
}

// StatusOf implements StatusReader.
func (c *EVMClient) StatusOf(ctx context.Context, reference string) (*storetypes.TxReport, error) {
	if err := utils.ValidateTransactionHash(reference); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	hash := common.HexToHash(reference)
	obs := verification.Observation{Reference: reference}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		known, err := c.inPool(ctx, hash)
		if err != nil {
			return nil, err
		}
		obs.Known = known

	case err != nil:
		return nil, fmt.Errorf("failed to get receipt: %w", err)

	default:
		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get block number: %w", err)
		}
		obs.Known = true
		obs.Included = true
		obs.Succeeded = receipt.Status == types.ReceiptStatusSuccessful
		obs.BlockNumber = receipt.BlockNumber.Uint64()
		obs.Head = head
	}

	return c.policy.Classify(obs), nil
}

// inPool reports whether the node still knows about a transaction that has
// no receipt yet. Our own recent broadcasts count as known while the node
// catches up.
func (c *EVMClient) inPool(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, hash)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return false, fmt.Errorf("failed to get transaction: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sentAt, ok := c.submitted[hash]
	return ok && c.now().Sub(sentAt) < dropGrace, nil
}

// BalanceOf implements BalanceReader.
func (c *EVMClient) BalanceOf(ctx context.Context, owner, token string) (*storetypes.Balance, error) {
	if err := utils.ValidateAddress(owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}
	ownerAddr := common.HexToAddress(owner)

	if token == "" {
		wei, err := c.backend.BalanceAt(ctx, ownerAddr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return &storetypes.Balance{
			Owner:    ownerAddr.Hex(),
			Symbol:   c.network.NativeSymbol(),
			Decimals: utils.NativeDecimals,
			Amount:   utils.FromBaseUnits(wei, utils.NativeDecimals),
		}, nil
	}

	if err := utils.ValidateAddress(token); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	erc20 := c.ERC20(token)

	raw, err := erc20.BalanceOf(ctx, ownerAddr)
	if err != nil {
		return nil, err
	}
	decimals, err := erc20.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	// Some tokens return bytes32 symbols; the balance is still usable.
	symbol, _ := erc20.Symbol(ctx)

	return &storetypes.Balance{
		Owner:    ownerAddr.Hex(),
		Token:    common.HexToAddress(token).Hex(),
		Symbol:   symbol,
		Decimals: int32(decimals),
		Amount:   utils.FromBaseUnits(raw, int32(decimals)),
	}, nil
}

func (c *EVMClient) ERC20(token string) ERC20 {
	return newERC20(common.HexToAddress(token), c.backend)
}
