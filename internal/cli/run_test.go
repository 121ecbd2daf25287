package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/ledger"
)

type outputLine struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Version int64  `json:"version"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func parseLines(t *testing.T, out string) []outputLine {
	t.Helper()
	var lines []outputLine
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var l outputLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l), scanner.Text())
		lines = append(lines, l)
	}
	return lines
}

func results(lines []outputLine) []outputLine {
	var out []outputLine
	for _, l := range lines {
		if l.Kind == "result" {
			out = append(out, l)
		}
	}
	return out
}

const saleInput = `{"type":"AddItem","sku":"COFFEE-12"}
{"type":"AddItem","sku":"COFFEE-12"}
this is not json

{"type":"Checkout"}
{"type":"ProcessPayment"}
`

func TestRun_Sale(t *testing.T) {
	fastEnv(t)
	db := tempDB(t)

	out, err := execute(t, saleInput, "run", "--db", db, "--format", "json")
	require.NoError(t, err)

	res := results(parseLines(t, out))
	require.Len(t, res, 5, "blank lines are skipped")

	assert.Equal(t, "AddItem", res[0].Command)
	assert.True(t, res[0].Success)
	assert.Equal(t, int64(1), res[0].Version)

	assert.False(t, res[2].Success)
	require.NotNil(t, res[2].Error)
	assert.Equal(t, CodeInvalidCommand, res[2].Error.Code)

	assert.Equal(t, "Checkout", res[3].Command)
	assert.True(t, res[3].Success)
	assert.Equal(t, "ProcessPayment", res[4].Command)
	assert.True(t, res[4].Success)

	l, err := ledger.Open(db)
	require.NoError(t, err)
	defer l.Close()
	txs, err := l.AllTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusCompleted, txs[0].Status)
	assert.Equal(t, int64(700), txs[0].Total.Int64())

	inv, err := l.Inventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 198, inv["COFFEE-12"], "inventory is flushed on shutdown")
}

func TestRun_TextOutput(t *testing.T) {
	fastEnv(t)

	out, err := execute(t, "{\"type\":\"AddItem\",\"sku\":\"COFFEE-12\"}\n{\"type\":\"Nope\"}\n{\"type\":\"Checkout\",\"sku\":\"X\"}\n", "run", "--db", tempDB(t))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ok   AddItem"), lines[0])
	assert.Contains(t, lines[0], "v=1")
	assert.True(t, strings.HasPrefix(lines[1], "FAIL ?"), lines[1])
	assert.Contains(t, lines[1], CodeInvalidCommand)
	assert.Contains(t, lines[2], CodeInvalidCommand)
}

func TestRun_Watch(t *testing.T) {
	fastEnv(t)

	out, err := execute(t, saleInput, "run", "--db", tempDB(t), "--format", "json", "--watch")
	require.NoError(t, err)

	channels := map[string]int{}
	for _, l := range parseLines(t, out) {
		if l.Kind == "broadcast" {
			channels[l.Channel]++
			assert.NotEmpty(t, l.Payload)
		}
	}
	// Seed messages plus the sale's state, metrics, transactions and
	// inventory updates.
	assert.GreaterOrEqual(t, channels["state"], 6)
	assert.GreaterOrEqual(t, channels["metrics"], 2)
	assert.GreaterOrEqual(t, channels["transactions"], 3)
	assert.GreaterOrEqual(t, channels["inventory"], 2)
}

func TestRun_ShutdownVoidsPendingPayment(t *testing.T) {
	fastEnv(t)
	t.Setenv("TILL_FAILURE_RATE", "1")
	db := tempDB(t)

	input := `{"type":"AddItem","sku":"LATTE-16"}
{"type":"Checkout"}
{"type":"ProcessPayment"}
`
	out, err := execute(t, input, "run", "--db", db, "--format", "json")
	require.NoError(t, err)
	res := results(parseLines(t, out))
	require.Len(t, res, 3)
	assert.False(t, res[2].Success, "every charge fails at failure rate 1")

	l, err := ledger.Open(db)
	require.NoError(t, err)
	defer l.Close()
	txs, err := l.AllTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusVoided, txs[0].Status)
	assert.Equal(t, ledger.ShutdownReason, txs[0].VoidReason)
	assert.Equal(t, 1, txs[0].RetryCount)
}

func TestRun_AppliesRetentionOnStartup(t *testing.T) {
	fastEnv(t)
	t.Setenv("TILL_RETENTION_MAX_COUNT", "2")
	db := tempDB(t)
	now := time.Now()
	seedLedger(t, db,
		record("txn-1", ledger.StatusCompleted, now.Add(-3*time.Minute), 350, 1),
		record("txn-2", ledger.StatusCompleted, now.Add(-2*time.Minute), 350, 2),
		record("txn-3", ledger.StatusCompleted, now.Add(-time.Minute), 350, 3),
	)

	_, err := execute(t, "", "run", "--db", db, "--format", "json")
	require.NoError(t, err)

	l, err := ledger.Open(db)
	require.NoError(t, err)
	defer l.Close()
	info, err := l.ArchiveInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, info.ArchivedCount)
	txs, err := l.AllTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "txn-2", txs[0].ID)
}

func TestRun_MissingCatalog(t *testing.T) {
	fastEnv(t)

	_, err := execute(t, "", "run", "--db", tempDB(t), "--catalog", "/nonexistent/catalog.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load catalog")
}
