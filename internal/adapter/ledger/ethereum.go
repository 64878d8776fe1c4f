// Package ledger anchors document fingerprints on an EVM chain as the data
// payload of a zero-value self-transfer.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/secret"
	"github.com/smallbiznis/signvault/internal/domain"
)

// Ledger submits and reads back anchoring transactions.
type Ledger interface {
	Anchor(ctx context.Context, payload []byte) (string, error)
	TransactionData(ctx context.Context, txID string) ([]byte, error)
}

// Config tunes the Ethereum ledger.
type Config struct {
	RPCURLs []string

	// ChainID overrides the id reported by the node when non-zero.
	ChainID int64

	KeyParam         string
	GasMarginPercent int
	ProbeTimeout     time.Duration

	// CallTimeout bounds every JSON-RPC call after the probe.
	CallTimeout time.Duration

	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// EthereumLedger talks JSON-RPC to the first responsive endpoint.
type EthereumLedger struct {
	cfg     Config
	secrets secret.Resolver
	logger  *zap.Logger
}

var _ Ledger = (*EthereumLedger)(nil)

func NewEthereumLedger(cfg Config, secrets secret.Resolver, logger *zap.Logger) *EthereumLedger {
	if cfg.GasMarginPercent <= 0 {
		cfg.GasMarginPercent = 20
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &EthereumLedger{cfg: cfg, secrets: secrets, logger: logger.Named("ledger")}
}

// call runs one RPC under CallTimeout.
func (l *EthereumLedger) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%s: %w: %w", step, domain.ErrLedgerUnavailable, err)
}

// probe returns a client for the first endpoint that answers eth_chainId.
func (l *EthereumLedger) probe(ctx context.Context) (*ethclient.Client, *big.Int, error) {
	if len(l.cfg.RPCURLs) == 0 {
		return nil, nil, fmt.Errorf("no rpc endpoints configured: %w", domain.ErrLedgerUnavailable)
	}
	var lastErr error
	for _, url := range l.cfg.RPCURLs {
		pctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
		client, err := ethclient.DialContext(pctx, url)
		if err == nil {
			var chainID *big.Int
			chainID, err = client.ChainID(pctx)
			if err == nil {
				cancel()
				if l.cfg.ChainID != 0 {
					chainID = big.NewInt(l.cfg.ChainID)
				}
				return client, chainID, nil
			}
			client.Close()
		}
		cancel()
		lastErr = err
		l.logger.Warn("rpc endpoint unavailable", zap.String("endpoint", redact(url)), zap.Error(err))
	}
	return nil, nil, unavailable("probe rpc endpoints", lastErr)
}

func (l *EthereumLedger) signingKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	raw, err := l.secrets.GetSecret(ctx, l.cfg.KeyParam)
	if err != nil {
		return nil, unavailable("resolve signing key", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, unavailable("parse signing key", err)
	}
	return key, nil
}

// Anchor submits payload and waits for one confirmation.
func (l *EthereumLedger) Anchor(ctx context.Context, payload []byte) (string, error) {
	key, err := l.signingKey(ctx)
	if err != nil {
		return "", err
	}
	client, chainID, err := l.probe(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	from := crypto.PubkeyToAddress(key.PublicKey)

	var gas uint64
	err = l.call(ctx, func(ctx context.Context) (err error) {
		gas, err = client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &from,
			Value: big.NewInt(0),
			Data:  payload,
		})
		return err
	})
	if err != nil {
		return "", unavailable("estimate gas", err)
	}
	gas = gas * uint64(100+l.cfg.GasMarginPercent) / 100

	var gasPrice, balance *big.Int
	err = l.call(ctx, func(ctx context.Context) (err error) {
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return "", unavailable("suggest gas price", err)
	}
	err = l.call(ctx, func(ctx context.Context) (err error) {
		balance, err = client.BalanceAt(ctx, from, nil)
		return err
	})
	if err != nil {
		return "", unavailable("read balance", err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	if balance.Cmp(cost) < 0 {
		return "", fmt.Errorf("balance %s below required %s for %s: %w", balance, cost, from.Hex(), domain.ErrInsufficientFunds)
	}

	var nonce uint64
	err = l.call(ctx, func(ctx context.Context) (err error) {
		nonce, err = client.PendingNonceAt(ctx, from)
		return err
	})
	if err != nil {
		return "", unavailable("read nonce", err)
	}
	tx := types.NewTransaction(nonce, from, big.NewInt(0), gas, gasPrice, payload)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	err = l.call(ctx, func(ctx context.Context) error {
		return client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return "", unavailable("send transaction", err)
	}

	txID := signed.Hash().Hex()
	l.logger.Info("anchor transaction sent", zap.String("tx_id", txID), zap.Uint64("gas", gas), zap.Uint64("nonce", nonce))

	if err := l.waitMined(ctx, client, signed.Hash()); err != nil {
		return "", err
	}
	return txID, nil
}

func (l *EthereumLedger) waitMined(ctx context.Context, client *ethclient.Client, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := l.call(ctx, func(ctx context.Context) (err error) {
			receipt, err = client.TransactionReceipt(ctx, hash)
			return err
		})
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return unavailable("confirm transaction", fmt.Errorf("transaction %s reverted", hash.Hex()))
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return unavailable("read receipt", err)
		}
		select {
		case <-ctx.Done():
			return unavailable("confirm transaction", ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransactionData returns the input data of a mined transaction.
func (l *EthereumLedger) TransactionData(ctx context.Context, txID string) ([]byte, error) {
	client, _, err := l.probe(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var tx *types.Transaction
	err = l.call(ctx, func(ctx context.Context) (err error) {
		tx, _, err = client.TransactionByHash(ctx, common.HexToHash(txID))
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction %s: %w", txID, domain.ErrNotFound)
		}
		return nil, unavailable("load transaction", err)
	}
	return tx.Data(), nil
}

// redact drops the path of an endpoint URL, which often embeds an API key.
func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		if j := strings.Index(url[i+3:], "/"); j >= 0 {
			return url[:i+3+j]
		}
	}
	return url
}
