// Package chain talks to the external chain RPC node. It supplies the
// on-chain balance observations the reconciliation engine compares against
// and submits the transfers the outbox worker executes.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cairn-dev/cairn/pkg/ledger"
)

// ErrAccountNotFound: the node has no account with that name.
var ErrAccountNotFound = errors.New("chain account not found")

// Client is a JSON-RPC 2.0 client for a Hive-style node. Transfers are
// routed through the signer sidecar exposed on the same endpoint; balance
// reads go to the public condenser API.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(endpoint string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "chain"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chain rpc %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain rpc %s: status %d", method, resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("chain rpc %s: decode: %w", method, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("chain rpc %s: %w", method, parsed.Error)
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("chain rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

type accountInfo struct {
	Name       string `json:"name"`
	HBDBalance string `json:"hbd_balance"`
	Balance    string `json:"balance"`
}

// AccountBalance returns the account's HBD balance in scaled integer units.
// It satisfies the reconciliation engine's BalanceOracle.
func (c *Client) AccountBalance(ctx context.Context, address string) (int64, error) {
	var accounts []accountInfo
	if err := c.call(ctx, "condenser_api.get_accounts", []any{[]string{address}}, &accounts); err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return ParseAmount(accounts[0].HBDBalance)
}

type transferResult struct {
	TxID string `json:"tx_id"`
}

// SubmitTransfer asks the signer to broadcast a transfer and returns the
// transaction ID. Callers must persist the ID before treating the transfer
// as done; a crash between broadcast and persistence is recovered by the
// outbox resume path.
func (c *Client) SubmitTransfer(ctx context.Context, from, to string, amount int64, asset, memo string) (string, error) {
	params := map[string]any{
		"from":   from,
		"to":     to,
		"amount": FormatAmount(amount, asset),
		"memo":   memo,
	}
	var res transferResult
	if err := c.call(ctx, "signer.submit_transfer", params, &res); err != nil {
		return "", err
	}
	if res.TxID == "" {
		return "", fmt.Errorf("signer returned empty tx_id")
	}
	c.logger.InfoContext(ctx, "transfer submitted", "from", from, "to", to, "amount", amount, "asset", asset, "tx_id", res.TxID)
	return res.TxID, nil
}

// ParseAmount converts a node-formatted amount like "12.345 HBD" into scaled
// integer units. The decimal string is parsed with integer arithmetic; going
// through float64 would corrupt amounts past 2^53 scaled units. Node amounts
// carry at most three decimals.
func ParseAmount(s string) (int64, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	value := fields[0]
	negative := strings.HasPrefix(value, "-")
	if negative {
		value = value[1:]
	}
	wholePart, fracPart, _ := strings.Cut(value, ".")
	if wholePart == "" || len(fracPart) > 3 {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	whole, err := strconv.ParseUint(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	var frac uint64
	if fracPart != "" {
		frac, err = strconv.ParseUint(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed amount %q: %w", s, err)
		}
		for i := len(fracPart); i < 3; i++ {
			frac *= 10
		}
	}
	if whole > (uint64(math.MaxInt64)-frac)/uint64(ledger.AmountScale) {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	scaled := int64(whole*uint64(ledger.AmountScale) + frac)
	if negative {
		scaled = -scaled
	}
	return scaled, nil
}

// FormatAmount renders scaled integer units in the node's wire format.
func FormatAmount(amount int64, asset string) string {
	whole := amount / ledger.AmountScale
	frac := amount % ledger.AmountScale
	if frac < 0 {
		frac = -frac
	}
	symbol := asset
	if symbol == "HBD_SAVINGS" {
		symbol = "HBD"
	}
	return fmt.Sprintf("%d.%03d %s", whole, frac, symbol)
}
