package chain

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-dev/cairn/pkg/outbox"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccountBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "condenser_api.get_accounts", method)
		return []map[string]string{{"name": "cairn-treasury", "hbd_balance": "1234.567 HBD", "balance": "10.000 HIVE"}}, nil
	})

	c := NewClient(srv.URL, nil)
	got, err := c.AccountBalance(context.Background(), "cairn-treasury")
	require.NoError(t, err)
	assert.Equal(t, int64(1234567), got)
}

func TestAccountBalance_UnknownAccount(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return []map[string]string{}, nil
	})
	c := NewClient(srv.URL, nil)
	_, err := c.AccountBalance(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountBalance_RPCError(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "node overloaded"}
	})
	c := NewClient(srv.URL, nil)
	_, err := c.AccountBalance(context.Background(), "cairn-treasury")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node overloaded")
}

func TestSubmitTransfer(t *testing.T) {
	var gotParams map[string]any
	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "signer.submit_transfer", method)
		require.NoError(t, json.Unmarshal(params, &gotParams))
		return map[string]string{"tx_id": "0xabc123"}, nil
	})

	c := NewClient(srv.URL, nil)
	txID, err := c.SubmitTransfer(context.Background(), "cairn-treasury", "alice", 50123, "HBD", "bounty b1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", txID)
	assert.Equal(t, "50.123 HBD", gotParams["amount"])
	assert.Equal(t, "cairn-treasury", gotParams["from"])
	assert.Equal(t, "alice", gotParams["to"])
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"12.345 HBD", 12345, true},
		{"0.001 HBD", 1, true},
		{"1000.000 HIVE", 1000000, true},
		{"-3.500 HBD", -3500, true},
		{"7.5 HBD", 7500, true},
		{"42 HBD", 42000, true},
		// Past float64's 2^53 integer range; must survive bit-exact.
		{"9223372036854775.807 HBD", math.MaxInt64, true},
		{"9223372036854775.808 HBD", 0, false},
		{"12.345", 0, false},
		{"lots HBD", 0, false},
		{"1.2345 HBD", 0, false},
		{". HBD", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.345 HBD", FormatAmount(12345, "HBD"))
	assert.Equal(t, "0.001 HIVE", FormatAmount(1, "HIVE"))
	assert.Equal(t, "7.000 HBD", FormatAmount(7000, "HBD_SAVINGS"), "savings settle in HBD")
}

func transferTask(t *testing.T, txHash string) outbox.Task {
	t.Helper()
	payload, err := json.Marshal(TransferPayload{
		FromAccount: "cairn-treasury", ToAddress: "alice", Amount: 42000, Asset: "HBD",
	})
	require.NoError(t, err)
	return outbox.Task{TaskID: "task-1", TaskType: outbox.TypeChainTransfer, Payload: payload, TxHash: txHash}
}

func TestTransferExecutor_SubmitsOnce(t *testing.T) {
	submits := 0
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		submits++
		return map[string]string{"tx_id": "0xfeed"}, nil
	})
	exec := NewTransferExecutor(NewClient(srv.URL, nil))

	var recorded string
	result, txHash, err := exec.Execute(context.Background(), transferTask(t, ""), func(h string) error {
		recorded = h
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, submits)
	assert.Equal(t, "0xfeed", txHash)
	assert.Equal(t, "0xfeed", recorded, "hash persisted via submitted callback")
	assert.Contains(t, result, "42.000 HBD")
}

func TestTransferExecutor_ResumesWithoutResubmitting(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		t.Fatal("must not hit the chain when tx_hash is already recorded")
		return nil, nil
	})
	exec := NewTransferExecutor(NewClient(srv.URL, nil))

	_, txHash, err := exec.Execute(context.Background(), transferTask(t, "0xearlier"), func(string) error {
		t.Fatal("submitted must not be called on resume")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0xearlier", txHash)
}

func TestGitExecutor_Acknowledges(t *testing.T) {
	payload, err := json.Marshal(GitPayload{Repository: "cairn-dev/site", Operation: "merge", Ref: "pr-12"})
	require.NoError(t, err)

	exec := NewGitExecutor(nil)
	result, txHash, err := exec.Execute(context.Background(), outbox.Task{
		TaskID: "task-2", TaskType: outbox.TypeGitOperation, Payload: payload,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, txHash)
	assert.Contains(t, result, "merge")
	assert.Contains(t, result, "cairn-dev/site")
}
