// Package starknet implements the Chain capability set for Starknet: it
// fetches blocks over the Starknet JSON-RPC API and decomposes them into
// individually addressable header/transaction/receipt/event/message/
// state_diff components with derived filter keys.
package starknet

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

// rawBlock mirrors starknet_getBlockWithReceipts's BLOCK_WITH_RECEIPTS
// result: block header fields plus one (transaction, receipt) pair per
// entry in Transactions.
type rawBlock struct {
	BlockHash       string         `json:"block_hash"`
	ParentHash      string         `json:"parent_hash"`
	BlockNumber     uint64         `json:"block_number"`
	Timestamp       int64          `json:"timestamp"`
	SequencerAddr   string         `json:"sequencer_address"`
	Status          string         `json:"status"`
	Transactions    []rawTxAndRcpt `json:"transactions"`
	StateDiff       *rawStateDiff  `json:"-"`
}

type rawTxAndRcpt struct {
	Transaction rawTx   `json:"transaction"`
	Receipt     rawRcpt `json:"receipt"`
}

type rawTx struct {
	TransactionHash    string   `json:"transaction_hash"`
	Type               string   `json:"type"`
	SenderAddress      string   `json:"sender_address"`
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

type rawRcpt struct {
	TransactionHash string           `json:"transaction_hash"`
	ExecutionStatus string           `json:"execution_status"`
	FinalityStatus  string           `json:"finality_status"`
	Events          []rawEvent       `json:"events"`
	MessagesSent    []rawMessageSent `json:"messages_sent"`
}

type rawEvent struct {
	FromAddress string   `json:"from_address"`
	Keys        []string `json:"keys"`
	Data        []string `json:"data"`
}

type rawMessageSent struct {
	FromAddress string   `json:"from_address"`
	ToAddress   string   `json:"to_address"`
	Payload     []string `json:"payload"`
}

type rawStateDiff struct {
	StorageDiffs []rawStorageDiff `json:"storage_diffs"`
}

type rawStorageDiff struct {
	Address        string `json:"address"`
	StorageEntries []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"storage_entries"`
}

// Client is a minimal JSON-RPC client for Starknet nodes. It returns raw
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

func (c *Client) getBlockByID(ctx context.Context, blockID interface{}) (*rawBlock, error) {
	result, err := c.call(ctx, "starknet_getBlockWithReceipts", []interface{}{blockID})
	if err != nil {
		if rpcErr, ok := err.(*jsonRPCError); ok && rpcErr.Code == 24 {
			return nil, chainrpc.ErrBlockNotFound
		}
		return nil, fmt.Errorf("starknet_getBlockWithReceipts(%v): %w", blockID, err)
	}
	var blk rawBlock
	if err := json.Unmarshal(result, &blk); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}

	diff, err := c.getStateUpdate(ctx, blockID)
	if err != nil {
		return nil, err
	}
	blk.StateDiff = diff
	return &blk, nil
}

func (c *Client) getStateUpdate(ctx context.Context, blockID interface{}) (*rawStateDiff, error) {
	result, err := c.call(ctx, "starknet_getStateUpdate", []interface{}{blockID})
	if err != nil {
		// state update can lag the block itself on pending/very recent
		// heights; the caller treats a missing diff as "no diff yet".
		return nil, nil
	}
	var upd struct {
		StateDiff rawStateDiff `json:"state_diff"`
	}
	if err := json.Unmarshal(result, &upd); err != nil {
		return nil, fmt.Errorf("unmarshal state update: %w", err)
	}
	return &upd.StateDiff, nil
}

func decodeFeltBytes(s string) []byte {
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

func formatHexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
