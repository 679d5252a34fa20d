package evm

import (
	"context"
	"fmt"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/chainrpc"
	"github.com/apibara/dna/internal/cursor"
)

// Adapter wraps Client to satisfy chainrpc.ChainRpc, decoding raw JSON-RPC
// responses into the canonical block.Block representation and deriving
// filter keys per component.
type Adapter struct {
	client         *Client
	fetchReceipts  bool
}

var _ chainrpc.ChainRpc = (*Adapter)(nil)

// NewAdapter builds an EVM ChainRpc implementation. fetchReceipts controls
// whether logs/receipts are fetched per-transaction (expensive: one RPC
// round-trip per tx) — disable for chains/nodes that inline logs in the
// block response.
func NewAdapter(client *Client, fetchReceipts bool) *Adapter {
	return &Adapter{client: client, fetchReceipts: fetchReceipts}
}

func (a *Adapter) GetBlockByNumber(ctx context.Context, number uint64) (block.Block, error) {
	raw, err := a.client.getBlockByTagOrNumber(ctx, formatHexUint64(number))
	if err != nil {
		return block.Block{}, err
	}
	return a.decode(ctx, raw)
}

func (a *Adapter) GetBlockByHash(ctx context.Context, hash []byte) (block.Block, error) {
	raw, err := a.client.getBlockByHashHex(ctx, "0x"+hexString(hash))
	if err != nil {
		return block.Block{}, err
	}
	return a.decode(ctx, raw)
}

func (a *Adapter) GetHead(ctx context.Context) (block.Block, error) {
	raw, err := a.client.getBlockByTagOrNumber(ctx, "latest")
	if err != nil {
		return block.Block{}, err
	}
	return a.decode(ctx, raw)
}

func (a *Adapter) GetFinalized(ctx context.Context) (block.Block, error) {
	raw, err := a.client.getBlockByTagOrNumber(ctx, "finalized")
	if err != nil {
		return block.Block{}, err
	}
	return a.decode(ctx, raw)
}

func (a *Adapter) decode(ctx context.Context, raw *rawBlock) (block.Block, error) {
	number, err := parseHexUint64(raw.Number)
	if err != nil {
		return block.Block{}, fmt.Errorf("parse block number: %w", err)
	}
	ts, _ := parseHexUint64(raw.Timestamp)

	if a.fetchReceipts {
		if err := a.client.fetchReceipts(ctx, raw); err != nil {
			return block.Block{}, err
		}
	}

	blk := block.Block{
		Cursor:    cursor.New(number, decodeHexBytes(raw.Hash)),
		Parent:    decodeHexBytes(raw.ParentHash),
		Finality:  cursor.Pending,
		Timestamp: int64(ts),
	}

	blk.Components = append(blk.Components, block.Component{
		Kind: block.KindHeader,
		Data: []byte(raw.Hash),
		Keys: []block.Key{{Kind: "header", Value: "always"}},
	})

	receiptByHash := make(map[string]rawRcpt, len(raw.Receipts))
	for _, r := range raw.Receipts {
		receiptByHash[r.TransactionHash] = r
	}

	for _, tx := range raw.Transactions {
		keys := []block.Key{{Kind: "from", Value: tx.From}}
		if tx.To != "" {
			keys = append(keys, block.Key{Kind: "to", Value: tx.To})
		}
		if len(tx.Input) >= 10 {
			keys = append(keys, block.Key{Kind: "selector", Value: tx.Input[:10]})
		}
		blk.Components = append(blk.Components, block.Component{
			Kind: block.KindTransaction,
			Data: []byte(tx.Hash),
			Keys: keys,
		})

		rcpt, ok := receiptByHash[tx.Hash]
		if !ok {
			continue
		}
		for _, lg := range rcpt.Logs {
			logKeys := []block.Key{{Kind: "contract_address", Value: lg.Address}}
			for _, topic := range lg.Topics {
				logKeys = append(logKeys, block.Key{Kind: "topic", Value: topic})
			}
			blk.Components = append(blk.Components, block.Component{
				Kind: block.KindLog,
				Data: []byte(lg.Data),
				Keys: logKeys,
			})
		}
		blk.Components = append(blk.Components, block.Component{
			Kind: block.KindReceipt,
			Data: []byte(rcpt.Status),
			Keys: []block.Key{{Kind: "tx_hash", Value: tx.Hash}},
		})
	}

	for _, wd := range raw.Withdrawals {
		blk.Components = append(blk.Components, block.Component{
			Kind: block.KindWithdrawal,
			Data: []byte(wd.Amount),
			Keys: []block.Key{{Kind: "validator_address", Value: wd.Address}},
		})
	}

	return blk, nil
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
