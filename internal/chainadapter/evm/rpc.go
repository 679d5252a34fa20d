// Package evm implements the Chain capability set for EVM-like chains: it fetches blocks over JSON-RPC and
// decomposes them into individually addressable header/transaction/
// log/receipt/withdrawal components with derived filter keys.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apibara/dna/internal/chainrpc"
)

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

type rawBlock struct {
	Number       string    `json:"number"`
	Hash         string    `json:"hash"`
	ParentHash   string    `json:"parentHash"`
	Timestamp    string    `json:"timestamp"`
	Transactions []rawTx   `json:"transactions"`
	Withdrawals  []rawWd   `json:"withdrawals"`
	LogsBloom    string    `json:"logsBloom"`
	StateRoot    string    `json:"stateRoot"`
	Receipts     []rawRcpt `json:"-"`
}

type rawTx struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Input       string `json:"input"`
	TxIndex     string `json:"transactionIndex"`
}

type rawWd struct {
	Index     string `json:"index"`
	Validator string `json:"validatorIndex"`
	Address   string `json:"address"`
	Amount    string `json:"amount"`
}

type rawRcpt struct {
	TransactionHash string   `json:"transactionHash"`
	Status          string   `json:"status"`
	Logs            []rawLog `json:"logs"`
}

type rawLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex string   `json:"logIndex"`
	Removed  bool     `json:"removed"`
}

// Client is a minimal JSON-RPC client for EVM-like nodes. It returns raw
// responses; Adapter wraps it to implement chainrpc.ChainRpc, decoding them
// into the canonical block.Block shape via Adapter.decode.
type Client struct {
	httpClient *http.Client
	url        string
	requestID  atomic.Int64
}

// NewClient dials no connection eagerly (HTTP is stateless); it just
// configures the endpoint and per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}, url: url}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := int(c.requestID.Add(1))
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *Client) getBlockByTagOrNumber(ctx context.Context, tagOrHex string) (*rawBlock, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", []interface{}{tagOrHex, true})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%s): %w", tagOrHex, err)
	}
	if string(result) == "null" {
		return nil, chainrpc.ErrBlockNotFound
	}
	var blk rawBlock
	if err := json.Unmarshal(result, &blk); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &blk, nil
}

func (c *Client) getBlockByHashHex(ctx context.Context, hashHex string) (*rawBlock, error) {
	result, err := c.call(ctx, "eth_getBlockByHash", []interface{}{hashHex, true})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByHash(%s): %w", hashHex, err)
	}
	if string(result) == "null" {
		return nil, chainrpc.ErrBlockNotFound
	}
	var blk rawBlock
	if err := json.Unmarshal(result, &blk); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &blk, nil
}

func (c *Client) fetchReceipts(ctx context.Context, blk *rawBlock) error {
	for i := range blk.Transactions {
		result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{blk.Transactions[i].Hash})
		if err != nil {
			return fmt.Errorf("eth_getTransactionReceipt(%s): %w", blk.Transactions[i].Hash, err)
		}
		if string(result) == "null" {
			continue
		}
		var rcpt rawRcpt
		if err := json.Unmarshal(result, &rcpt); err != nil {
			return fmt.Errorf("unmarshal receipt: %w", err)
		}
		blk.Receipts = append(blk.Receipts, rcpt)
	}
	return nil
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

func formatHexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func decodeHexBytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		var v byte
		fmt.Sscanf(s[i*2:i*2+2], "%02x", &v)
		b[i] = v
	}
	return b
}
