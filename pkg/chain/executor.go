package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cairn-dev/cairn/pkg/outbox"
)

// TransferPayload is the chain_transfer task payload.
type TransferPayload struct {
	FromAccount string `json:"from_account"`
	ToAddress   string `json:"to_address"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	Memo        string `json:"memo,omitempty"`
}

// TransferExecutor executes chain_transfer outbox tasks.
type TransferExecutor struct {
	client *Client
}

func NewTransferExecutor(client *Client) *TransferExecutor {
	return &TransferExecutor{client: client}
}

// Execute submits the transfer at most once. A task carrying a tx_hash
// already hit the chain on a previous attempt that crashed before
// completing; resubmitting would double-pay, so the recorded hash is reused.
func (e *TransferExecutor) Execute(ctx context.Context, task outbox.Task, submitted func(string) error) (string, string, error) {
	var payload TransferPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return "", "", fmt.Errorf("decode transfer payload: %w", err)
	}

	txHash := task.TxHash
	if txHash == "" {
		var err error
		txHash, err = e.client.SubmitTransfer(ctx, payload.FromAccount, payload.ToAddress, payload.Amount, payload.Asset, payload.Memo)
		if err != nil {
			return "", "", err
		}
		if err := submitted(txHash); err != nil {
			return "", "", fmt.Errorf("record submission: %w", err)
		}
	}

	return fmt.Sprintf("transferred %s to %s", FormatAmount(payload.Amount, payload.Asset), payload.ToAddress), txHash, nil
}

// GitPayload is the git_operation task payload.
type GitPayload struct {
	Repository string `json:"repository"`
	Operation  string `json:"operation"`
	Ref        string `json:"ref,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GitExecutor acknowledges git_operation tasks. Actual repository mutation
// is delegated to the oracle side; the backend records that the operation
// was handed off.
type GitExecutor struct {
	logger *slog.Logger
}

func NewGitExecutor(logger *slog.Logger) *GitExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitExecutor{logger: logger.With("component", "git-executor")}
}

func (e *GitExecutor) Execute(ctx context.Context, task outbox.Task, _ func(string) error) (string, string, error) {
	var payload GitPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return "", "", fmt.Errorf("decode git payload: %w", err)
	}
	e.logger.InfoContext(ctx, "git operation dispatched",
		"task_id", task.TaskID, "repository", payload.Repository, "operation", payload.Operation, "ref", payload.Ref)
	return fmt.Sprintf("%s dispatched for %s", payload.Operation, payload.Repository), "", nil
}
