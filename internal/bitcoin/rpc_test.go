package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// fakeNode answers JSON-RPC calls from a method table.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]any
	calls   map[string]int
	fail    bool
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	result, ok := n.results[req.Method]
	fail := n.fail
	n.mu.Unlock()

	resp := map[string]any{"id": req.ID, "result": nil, "error": nil}
	switch {
	case fail:
		resp["error"] = map[string]any{"code": -28, "message": "Loading block index..."}
	case !ok:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	default:
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func newFakeNode(t *testing.T, results map[string]any) (*fakeNode, *RPCClient) {
	t.Helper()

	node := &fakeNode{results: results, calls: make(map[string]int)}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	client, err := NewRPCClient(host, port, "user", "pass", testSlog())
	if err != nil {
		t.Fatalf("NewRPCClient() unexpected error: %v", err)
	}
	t.Cleanup(client.Close)

	return node, client
}

func TestNewRPCClient(t *testing.T) {
	client, err := NewRPCClient("localhost", 18443, "user", "pass", nil)
	if err != nil {
		t.Fatalf("NewRPCClient() unexpected error: %v", err)
	}
	if client == nil {
		t.Fatal("NewRPCClient() returned nil client")
	}
	client.Close()
}

func TestRPCClient_ResyncCalls(t *testing.T) {
	genesis := chaincfg.RegressionNetParams.GenesisBlock
	var header bytes.Buffer
	if err := genesis.Header.Serialize(&header); err != nil {
		t.Fatalf("serialize header: %v", err)
	}
	genesisHash := chaincfg.RegressionNetParams.GenesisHash.String()

	_, client := newFakeNode(t, map[string]any{
		"getblockcount":    840000,
		"getbestblockhash": genesisHash,
		"getblockhash":     genesisHash,
		"getblockheader":   hex.EncodeToString(header.Bytes()),
		"getrawmempool":    []string{genesisHash},
		"getmempoolentry":  map[string]any{"time": 1700000000},
		"ping":             nil,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := client.GetBlockCount(ctx)
	if err != nil || count != 840000 {
		t.Errorf("GetBlockCount() = %d, %v", count, err)
	}

	best, err := client.GetBestBlockHash(ctx)
	if err != nil || best.String() != genesisHash {
		t.Errorf("GetBestBlockHash() = %v, %v", best, err)
	}

	hash, err := client.GetBlockHash(ctx, 0)
	if err != nil || hash.String() != genesisHash {
		t.Errorf("GetBlockHash() = %v, %v", hash, err)
	}

	h, err := client.GetBlockHeader(ctx, chaincfg.RegressionNetParams.GenesisHash)
	if err != nil {
		t.Fatalf("GetBlockHeader() unexpected error: %v", err)
	}
	if h.BlockHash() != *chaincfg.RegressionNetParams.GenesisHash {
		t.Errorf("GetBlockHeader() hash = %s, want genesis", h.BlockHash())
	}

	pool, err := client.GetRawMempool(ctx)
	if err != nil || len(pool) != 1 || pool[0].String() != genesisHash {
		t.Errorf("GetRawMempool() = %v, %v", pool, err)
	}

	entry, err := client.GetMempoolEntry(ctx, genesisHash)
	if err != nil || entry == nil || entry.Time != 1700000000 {
		t.Errorf("GetMempoolEntry() = %+v, %v", entry, err)
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() unexpected error: %v", err)
	}
}

func TestRPCClient_NodeErrorsAreBitcoinErrors(t *testing.T) {
	node, client := newFakeNode(t, map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetRawMempool(ctx)
	if !errors.IsType(err, errors.ErrorTypeBitcoin) {
		t.Errorf("GetRawMempool() error = %v, want bitcoin error", err)
	}
	// An RPC-level error is an answer, not a transient failure.
	if n := node.count("getrawmempool"); n != 1 {
		t.Errorf("getrawmempool called %d times, want 1", n)
	}
}
