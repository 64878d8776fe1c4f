package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/domain"
)

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return v, nil
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers the JSON-RPC calls the ledger makes and mines every
// submitted transaction immediately.
type fakeNode struct {
	mu       sync.Mutex
	balance  *big.Int
	txs      map[common.Hash]*types.Transaction
	estimate uint64
	gasLimit uint64
	// stall names a method the node never answers.
	stall string
}

func newFakeNode(balance *big.Int) *fakeNode {
	return &fakeNode{balance: balance, txs: make(map[common.Hash]*types.Transaction), estimate: 21_000 + 32*16}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	stall := n.stall
	n.mu.Unlock()
	if stall != "" && req.Method == stall {
		<-r.Context().Done()
		return
	}
	result, err := n.handle(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if err != nil {
		resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(req rpcRequest) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Method {
	case "eth_chainId":
		return hexutil.EncodeBig(big.NewInt(1337)), nil
	case "eth_estimateGas":
		return hexutil.EncodeUint64(n.estimate), nil
	case "eth_gasPrice":
		return hexutil.EncodeBig(big.NewInt(1_000_000_000)), nil
	case "eth_getBalance":
		return hexutil.EncodeBig(n.balance), nil
	case "eth_getTransactionCount":
		return hexutil.EncodeUint64(uint64(len(n.txs))), nil
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := json.Unmarshal(req.Params[0], &raw); err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		n.txs[tx.Hash()] = tx
		n.gasLimit = tx.Gas()
		return tx.Hash().Hex(), nil
	case "eth_getTransactionReceipt":
		hash := n.hashParam(req)
		if _, ok := n.txs[hash]; !ok {
			return nil, nil
		}
		return &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: 21_000,
			GasUsed:           21_000,
			Logs:              []*types.Log{},
			TxHash:            hash,
			BlockHash:         common.HexToHash("0x01"),
			BlockNumber:       big.NewInt(1),
		}, nil
	case "eth_getTransactionByHash":
		tx, ok := n.txs[n.hashParam(req)]
		if !ok {
			return nil, nil
		}
		encoded, err := tx.MarshalJSON()
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, err
		}
		fields["blockNumber"] = "0x1"
		fields["blockHash"] = common.HexToHash("0x01").Hex()
		return fields, nil
	default:
		return nil, fmt.Errorf("method %s not supported", req.Method)
	}
}

func (n *fakeNode) hashParam(req rpcRequest) common.Hash {
	var h common.Hash
	_ = json.Unmarshal(req.Params[0], &h)
	return h
}

func newTestLedger(t *testing.T, urls ...string) *EthereumLedger {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	secrets := staticSecrets{"/signvault/ledger-private-key": "0x" + hex.EncodeToString(crypto.FromECDSA(key))}
	return NewEthereumLedger(Config{
		RPCURLs:        urls,
		KeyParam:       "/signvault/ledger-private-key",
		ProbeTimeout:   time.Second,
		CallTimeout:    200 * time.Millisecond,
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, secrets, zap.NewNop())
}

func TestEthereumLedger_AnchorAndReadBack(t *testing.T) {
	node := newFakeNode(new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)))
	srv := httptest.NewServer(node)
	defer srv.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	l := newTestLedger(t, dead.URL, srv.URL)
	fingerprint, _ := hex.DecodeString("9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")

	txID, err := l.Anchor(context.Background(), fingerprint)
	require.NoError(t, err)
	require.Len(t, txID, 66)

	node.mu.Lock()
	require.Equal(t, node.estimate*120/100, node.gasLimit)
	node.mu.Unlock()

	data, err := l.TransactionData(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, fingerprint, data)
}

func TestEthereumLedger_InsufficientFunds(t *testing.T) {
	srv := httptest.NewServer(newFakeNode(big.NewInt(1000)))
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL).Anchor(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestEthereumLedger_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	_, err := newTestLedger(t, dead.URL).Anchor(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestEthereumLedger_HungCallTimesOut(t *testing.T) {
	for _, method := range []string{"eth_estimateGas", "eth_sendRawTransaction"} {
		t.Run(method, func(t *testing.T) {
			node := newFakeNode(new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)))
			node.stall = method
			srv := httptest.NewServer(node)
			defer srv.Close()

			start := time.Now()
			_, err := newTestLedger(t, srv.URL).Anchor(context.Background(), []byte{0x01})
			require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
			require.Less(t, time.Since(start), 3*time.Second)
		})
	}
}

func TestEthereumLedger_HungReadTimesOut(t *testing.T) {
	node := newFakeNode(big.NewInt(0))
	node.stall = "eth_getTransactionByHash"
	srv := httptest.NewServer(node)
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL).TransactionData(context.Background(), "0x"+strings.Repeat("ab", 32))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestRedact(t *testing.T) {
	require.Equal(t, "https://mainnet.infura.io", redact("https://mainnet.infura.io/v3/secret-key"))
	require.Equal(t, "http://127.0.0.1:8545", redact("http://127.0.0.1:8545"))
}
