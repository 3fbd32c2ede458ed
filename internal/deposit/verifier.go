// Package deposit gates a balance credit behind proof that funds actually
// moved on-chain, turning an untrusted client claim into a trusted fact.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PotLedger/internal/observability"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Verification failures. Each maps to a user-visible rejection; none of them
// is ever swallowed.
var (
	ErrInvalidTxRef          = errors.New("deposit: malformed transaction reference")
	ErrTransactionNotFound   = errors.New("deposit: transaction not found")
	ErrTransactionPending    = errors.New("deposit: transaction not yet confirmed")
	ErrTransactionReverted   = errors.New("deposit: transaction reverted on-chain")
	ErrSenderMismatch        = errors.New("deposit: on-chain sender does not match claimed address")
	ErrRecipientMismatch     = errors.New("deposit: on-chain recipient is not the deposit address")
	ErrTransferEventNotFound = errors.New("deposit: no matching token transfer event in receipt")
)

// EVMClient is the subset of the Ethereum RPC used by the verifier.
// *ethclient.Client satisfies it.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
}

// PriceSource resolves the conversion rate from an on-chain asset to the
// ledger's unit of account. Price accuracy materially affects how much gets
// credited, so the source is injected rather than hardcoded.
type PriceSource interface {
	Rate(ctx context.Context, asset string) (decimal.Decimal, error)
}

// StaticPriceSource returns fixed rates from configuration. It is a stand-in
// for a live oracle; stable tokens use rate 1.
type StaticPriceSource struct {
	rates map[string]decimal.Decimal
}

func NewStaticPriceSource(rates map[string]decimal.Decimal) *StaticPriceSource {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for asset, rate := range rates {
		normalized[strings.ToUpper(asset)] = rate
	}
	return &StaticPriceSource{rates: normalized}
}

func (s *StaticPriceSource) Rate(_ context.Context, asset string) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate configured for asset %s", asset)
	}
	return rate, nil
}

// Config identifies what a legitimate deposit looks like.
type Config struct {
	// DepositAddress receives all deposits.
	DepositAddress common.Address
	// TokenAddress is the stable token contract. Transfers of this token
	// credit 1:1 into the ledger.
	TokenAddress common.Address
	// TokenSymbol names the stable token, e.g. "USDC".
	TokenSymbol string
	// TokenDecimals scales raw token amounts, e.g. 6 for USDC.
	TokenDecimals int32
	// NativeSymbol names the chain's native asset, e.g. "ETH". Native
	// deposits convert via the PriceSource.
	NativeSymbol string
	// ChainID is required to recover the sender of a native transfer.
	ChainID *big.Int
	// Tolerance bounds the accepted gap between claimed and verified
	// amounts before a warning is logged. The verified amount is credited
	// either way.
	Tolerance decimal.Decimal
}

// Verified is the trusted outcome of a successful verification. Amount is
// the on-chain amount converted to the ledger's unit of account, never the
// client's claim.
type Verified struct {
	Amount   decimal.Decimal
	Currency string
	TxRef    string
}

// Verifier validates claimed deposits against the real chain state.
type Verifier struct {
	client  EVMClient
	prices  PriceSource
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewVerifier builds a verifier. metrics may be nil.
func NewVerifier(client EVMClient, prices PriceSource, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Verifier {
	return &Verifier{client: client, prices: prices, cfg: cfg, log: log, metrics: metrics}
}

// Verify checks that txRef settled on-chain as a transfer from
// claimedAddress to the configured deposit address and returns the verified
// amount in the ledger's unit of account. currency selects the token path
// (stable token contract event) or the native path (value transfer).
func (v *Verifier) Verify(ctx context.Context, claimedAddress, txRef string, expectedAmount decimal.Decimal, currency string) (Verified, error) {
	out, err := v.verify(ctx, claimedAddress, txRef, expectedAmount, currency)
	if err != nil {
		if v.metrics != nil {
			v.metrics.DepositsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return Verified{}, err
	}
	if v.metrics != nil {
		v.metrics.DepositsVerified.WithLabelValues(out.Currency).Inc()
	}
	return out, nil
}

func (v *Verifier) verify(ctx context.Context, claimedAddress, txRef string, expectedAmount decimal.Decimal, currency string) (Verified, error) {
	if !common.IsHexAddress(claimedAddress) {
		return Verified{}, fmt.Errorf("%w: invalid claimed address %q", ErrSenderMismatch, claimedAddress)
	}
	claimed := common.HexToAddress(claimedAddress)

	// HexToHash would silently pad or truncate a malformed reference into a
	// valid-looking hash, so the shape is checked first.
	if !isTxHash(txRef) {
		return Verified{}, fmt.Errorf("%w: %q", ErrInvalidTxRef, txRef)
	}
	txHash := common.HexToHash(txRef)

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Verified{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, txRef)
		}
		return Verified{}, fmt.Errorf("fetch receipt %s: %w", txRef, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return Verified{}, fmt.Errorf("%w: %s", ErrTransactionPending, txRef)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return Verified{}, fmt.Errorf("%w: %s", ErrTransactionReverted, txRef)
	}

	var from, to common.Address
	var rawAmount decimal.Decimal
	asset := strings.ToUpper(strings.TrimSpace(currency))

	if asset == strings.ToUpper(v.cfg.TokenSymbol) {
		from, to, rawAmount, err = v.decodeTokenTransfer(receipt)
	} else {
		from, to, rawAmount, err = v.decodeNativeTransfer(ctx, txHash)
	}
	if err != nil {
		return Verified{}, err
	}

	if from != claimed {
		return Verified{}, fmt.Errorf("%w: on-chain %s, claimed %s",
			ErrSenderMismatch, from.Hex(), claimed.Hex())
	}
	if to != v.cfg.DepositAddress {
		return Verified{}, fmt.Errorf("%w: on-chain %s, expected %s",
			ErrRecipientMismatch, to.Hex(), v.cfg.DepositAddress.Hex())
	}

	amount, err := v.convert(ctx, asset, rawAmount)
	if err != nil {
		return Verified{}, err
	}

	// A gap beyond tolerance is operator-visible but does not block the
	// credit: the verified on-chain amount is what gets credited.
	if amount.Sub(expectedAmount).Abs().GreaterThan(v.cfg.Tolerance) {
		v.log.Warn().
			Str("tx", txRef).
			Str("claimed_amount", expectedAmount.String()).
			Str("verified_amount", amount.String()).
			Msg("deposit amount differs from claim beyond tolerance")
		if v.metrics != nil {
			v.metrics.AmountMismatches.Inc()
		}
	}

	return Verified{Amount: amount, Currency: asset, TxRef: txRef}, nil
}

// decodeTokenTransfer finds the stable token's Transfer event in the receipt
// logs. Unrelated logs are ignored.
func (v *Verifier) decodeTokenTransfer(receipt *gethtypes.Receipt) (common.Address, common.Address, decimal.Decimal, error) {
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != v.cfg.TokenAddress {
			continue
		}
		if len(entry.Topics) < 3 || entry.Topics[0] != transferEventSignature {
			continue
		}
		from := common.BytesToAddress(entry.Topics[1].Bytes())
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		raw := new(big.Int).SetBytes(entry.Data)
		amount := decimal.NewFromBigInt(raw, -v.cfg.TokenDecimals)
		return from, to, amount, nil
	}
	return common.Address{}, common.Address{}, decimal.Zero,
		fmt.Errorf("%w: token %s", ErrTransferEventNotFound, v.cfg.TokenAddress.Hex())
}

// decodeNativeTransfer reads sender, recipient, and value straight from the
// transaction for a native-asset transfer.
func (v *Verifier) decodeNativeTransfer(ctx context.Context, txHash common.Hash) (common.Address, common.Address, decimal.Decimal, error) {
	tx, pending, err := v.client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return common.Address{}, common.Address{}, decimal.Zero,
				fmt.Errorf("%w: %s", ErrTransactionNotFound, txHash.Hex())
		}
		return common.Address{}, common.Address{}, decimal.Zero,
			fmt.Errorf("fetch transaction %s: %w", txHash.Hex(), err)
	}
	if pending {
		return common.Address{}, common.Address{}, decimal.Zero,
			fmt.Errorf("%w: %s", ErrTransactionPending, txHash.Hex())
	}
	if tx.To() == nil {
		return common.Address{}, common.Address{}, decimal.Zero,
			fmt.Errorf("%w: contract creation transaction", ErrRecipientMismatch)
	}

	signer := gethtypes.LatestSignerForChainID(v.cfg.ChainID)
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return common.Address{}, common.Address{}, decimal.Zero,
			fmt.Errorf("recover sender of %s: %w", txHash.Hex(), err)
	}

	// Native value is in wei; 18 decimals.
	amount := decimal.NewFromBigInt(tx.Value(), -18)
	return from, *tx.To(), amount, nil
}

// convert maps a raw on-chain amount into the ledger's unit of account. The
// stable token converts 1:1; everything else goes through the price source.
func (v *Verifier) convert(ctx context.Context, asset string, raw decimal.Decimal) (decimal.Decimal, error) {
	if asset == strings.ToUpper(v.cfg.TokenSymbol) {
		return raw, nil
	}
	rate, err := v.prices.Rate(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price conversion for %s: %w", asset, err)
	}
	return raw.Mul(rate), nil
}

// isTxHash reports whether s is a 0x-prefixed 32-byte hex string.
func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTxRef):
		return "invalid_tx_ref"
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionPending):
		return "pending"
	case errors.Is(err, ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, ErrRecipientMismatch):
		return "recipient_mismatch"
	case errors.Is(err, ErrTransferEventNotFound):
		return "no_transfer_event"
	default:
		return "rpc_error"
	}
}

// Dial connects an Ethereum RPC client with a bounded timeout on the
// initial handshake.
func Dial(ctx context.Context, endpoint string) (EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain RPC endpoint required")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return dialEthClient(dialCtx, trimmed)
}
