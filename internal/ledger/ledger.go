// Package ledger reads the marketplace contract. Writes are signed by user
// wallets in the browser; the server only observes their results.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const marketplaceABI = `[
	{"type":"function","name":"productCount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getProduct","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[
		{"name":"id","type":"uint256"},
		{"name":"name","type":"string"},
		{"name":"price","type":"uint256"},
		{"name":"quantity","type":"uint256"},
		{"name":"farmer","type":"address"},
		{"name":"owner","type":"address"},
		{"name":"isSold","type":"bool"}]},
	{"type":"function","name":"isUserRegistered","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrQuantityOutOfRange is returned when an on-chain quantity does not
	// fit the store's integer column.
	ErrQuantityOutOfRange = errors.New("ledger quantity out of range")
)

type ReceiptState int

const (
	ReceiptPending ReceiptState = iota
	ReceiptSuccess
	ReceiptFailed
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptSuccess:
		return "success"
	case ReceiptFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Product is the ledger's view of a listing.
type Product struct {
	ID       uint64
	Name     string
	PriceETH decimal.Decimal
	Quantity int
	Farmer   string
	Owner    string
	Sold     bool
}

type Client interface {
	ProductCount(ctx context.Context) (uint64, error)
	GetProduct(ctx context.Context, id uint64) (*Product, error)
	IsUserRegistered(ctx context.Context, wallet string) (bool, error)
	ReceiptStatus(ctx context.Context, txHash string) (ReceiptState, error)
}

// Backend is the subset of an Ethereum RPC client the ledger needs.
type Backend interface {
	bind.ContractCaller
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ethLedger struct {
	backend  Backend
	contract *bind.BoundContract
}

// Dial connects to rpcURL and binds the contract at address.
func Dial(ctx context.Context, rpcURL, address string) (Client, func(), error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c, err := New(rpc, address)
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	return c, rpc.Close, nil
}

func New(backend Backend, address string) (Client, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("contract %q: %w", address, ErrInvalidAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(address), parsed, backend, nil, nil)
	return &ethLedger{backend: backend, contract: contract}, nil
}

func (l *ethLedger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", method, err)
	}
	return out, nil
}

func (l *ethLedger) ProductCount(ctx context.Context) (uint64, error) {
	out, err := l.call(ctx, "productCount")
	if err != nil {
		return 0, err
	}
	n := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	return n.Uint64(), nil
}

func (l *ethLedger) GetProduct(ctx context.Context, id uint64) (*Product, error) {
	out, err := l.call(ctx, "getProduct", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("ledger getProduct: unexpected %d outputs", len(out))
	}
	gotID := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	price := abi.ConvertType(out[2], new(big.Int)).(*big.Int)
	qty := abi.ConvertType(out[3], new(big.Int)).(*big.Int)
	farmer := abi.ConvertType(out[4], new(common.Address)).(*common.Address)
	owner := abi.ConvertType(out[5], new(common.Address)).(*common.Address)
	if !qty.IsInt64() || qty.Sign() < 0 {
		return nil, fmt.Errorf("ledger getProduct %d: quantity %s: %w", id, qty, ErrQuantityOutOfRange)
	}
	return &Product{
		ID:       gotID.Uint64(),
		Name:     *abi.ConvertType(out[1], new(string)).(*string),
		PriceETH: WeiToETH(price),
		Quantity: int(qty.Int64()),
		Farmer:   strings.ToLower(farmer.Hex()),
		Owner:    strings.ToLower(owner.Hex()),
		Sold:     *abi.ConvertType(out[6], new(bool)).(*bool),
	}, nil
}

func (l *ethLedger) IsUserRegistered(ctx context.Context, wallet string) (bool, error) {
	if !common.IsHexAddress(wallet) {
		return false, ErrInvalidAddress
	}
	out, err := l.call(ctx, "isUserRegistered", common.HexToAddress(wallet))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *ethLedger) ReceiptStatus(ctx context.Context, txHash string) (ReceiptState, error) {
	receipt, err := l.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return ReceiptPending, fmt.Errorf("ledger receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptSuccess, nil
	}
	return ReceiptFailed, nil
}

// WeiToETH converts an on-chain amount to a fixed-point ETH value.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// ETHToWei is the inverse of WeiToETH; fractions below one wei are truncated.
func ETHToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(18).Truncate(0).BigInt()
}

// NormalizeAddress validates a hex wallet address and returns it lower-cased.
func NormalizeAddress(wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), nil
}

// IsTxHash reports whether s is a 0x-prefixed hex string of at most 32
// bytes. Shorter values are accepted as given; the ledger is the authority on
// whether the transaction exists.
func IsTxHash(s string) bool {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok || digits == "" || len(digits) > 2*common.HashLength {
		return false
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	_, err := hexutil.Decode("0x" + digits)
	return err == nil
}
