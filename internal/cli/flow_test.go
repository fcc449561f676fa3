package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/cache"
	"kasirsync/internal/domain"
	"kasirsync/internal/httpapi"
	"kasirsync/internal/local"
	"kasirsync/internal/service"
	"kasirsync/internal/store/memory"
)

const cliEnrollmentKey = "enroll-cli"

type cliServer struct {
	url       string
	repo      *memory.Store
	productID int64
}

func newCLIServer(t *testing.T) *cliServer {
	t.Helper()

	repo := memory.New()
	svc := service.New(repo, cache.NewMemoryCatalogCache(), time.Minute)
	auth := httpapi.NewAuthManager("cli-secret", time.Hour, cliEnrollmentKey, "cli-admin")
	srv := httptest.NewServer(httpapi.New(svc, auth, "*", domain.DefaultSettings()).Handler())
	t.Cleanup(srv.Close)

	ctx := service.WithActor(context.Background(), domain.Actor{Subject: "admin", Role: domain.RoleAdmin})
	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "KOPI-01", Name: "Kopi Bubuk", Unit: "pcs",
		PriceCents: 12000, CostPriceCents: 9000,
		InitialStock: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	return &cliServer{url: srv.URL, repo: repo, productID: product.ID}
}

func (s *cliServer) stock(t *testing.T) decimal.Decimal {
	t.Helper()
	product, err := s.repo.GetProduct(context.Background(), s.productID)
	require.NoError(t, err)
	return product.Stock
}

// cliEnv isolates a test from the caller's terminal environment.
func cliEnv(t *testing.T, enrollmentKey string) {
	t.Helper()
	t.Setenv("TERMINAL_ID", "")
	t.Setenv("SYNC_TOKEN", "")
	t.Setenv("TERMINAL_ENROLLMENT_KEY", enrollmentKey)
	t.Setenv("SYNC_MAX_ATTEMPTS", "1")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func decodeData(t *testing.T, out string, dest any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, dest))
}

func TestSellPushRefundFlow(t *testing.T) {
	cliEnv(t, cliEnrollmentKey)
	srv := newCLIServer(t)
	global := []string{
		"--db", filepath.Join(t.TempDir(), "till.db"),
		"--server", srv.url,
		"--terminal", "till-cli",
		"--format", "json",
	}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(args, global...)...)
		require.NoError(t, err, out)
		return out
	}

	var pulled struct {
		Products int `json:"products"`
	}
	decodeData(t, run("pull"), &pulled)
	assert.Equal(t, 1, pulled.Products)

	var products []domain.Product
	decodeData(t, run("products"), &products)
	require.Len(t, products, 1)
	assert.Equal(t, "KOPI-01", products[0].SKU)

	item := strconv.FormatInt(srv.productID, 10) + ":3"
	var sale domain.Sale
	decodeData(t, run("sell", "--item", item, "--payment", "card"), &sale)
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Equal(t, int64(36000), sale.TotalCents)
	assert.True(t, srv.stock(t).Equal(decimal.NewFromInt(10)), "nothing reaches the server before a push")

	var report struct {
		Synced  int `json:"synced"`
		Pending int `json:"pending"`
	}
	decodeData(t, run("push"), &report)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Pending)
	assert.True(t, srv.stock(t).Equal(decimal.NewFromInt(7)), srv.stock(t).String())

	var refunded domain.Sale
	decodeData(t, run("refund", sale.Reference), &refunded)
	assert.Equal(t, domain.SaleStatusRefunded, refunded.Status)

	var synced struct {
		Push struct {
			Synced int `json:"synced"`
		} `json:"push"`
	}
	decodeData(t, run("sync"), &synced)
	assert.Equal(t, 1, synced.Push.Synced)
	assert.True(t, srv.stock(t).Equal(decimal.NewFromInt(10)), srv.stock(t).String())

	var remote domain.Sale
	decodeData(t, run("sale", sale.Reference, "--remote"), &remote)
	assert.Equal(t, domain.SaleStatusRefunded, remote.Status)

	var status statusView
	decodeData(t, run("status"), &status)
	assert.Equal(t, "till-cli", status.TerminalID)
	assert.Equal(t, 1, status.Queue.SyncedSales)
	assert.Equal(t, 0, status.Queue.PendingSales)
	assert.Equal(t, 0, status.Queue.PendingAdjustments)
	assert.Empty(t, status.Rejected)
	assert.Empty(t, status.Blocked)
}

func TestStatusShowsRefundBlockedByRejectedSale(t *testing.T) {
	cliEnv(t, cliEnrollmentKey)
	srv := newCLIServer(t)
	db := filepath.Join(t.TempDir(), "till.db")
	global := []string{"--db", db, "--server", srv.url, "--terminal", "till-ghost", "--format", "json"}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(args, global...)...)
		require.NoError(t, err, out)
		return out
	}

	// A product the server never had.
	store, err := local.Open(db)
	require.NoError(t, err)
	require.NoError(t, store.MergeCatalogDelta(context.Background(), domain.CatalogDelta{
		Products: []domain.Product{{
			ID: 999, ExternalID: "ghost", SKU: "GHOST", Name: "Ghost", Unit: "pcs",
			PriceCents: 100, CostPriceCents: 50, Stock: decimal.NewFromInt(5),
			Active: true, Version: 1, UpdatedAt: time.Now().UTC(),
		}},
	}))
	require.NoError(t, store.Close())

	var sale domain.Sale
	decodeData(t, run("sell", "--item", "999:1", "--payment", "card"), &sale)
	run("refund", sale.Reference)

	var report struct {
		Pending  int                  `json:"pending"`
		Blocked  int                  `json:"blocked"`
		Rejected []local.RejectedItem `json:"rejected"`
	}
	decodeData(t, run("push"), &report)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, sale.Reference, report.Rejected[0].Reference)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 1, report.Blocked)

	var status statusView
	decodeData(t, run("status"), &status)
	assert.Equal(t, 1, status.Queue.BlockedAdjustments)
	require.Len(t, status.Blocked, 1)
	assert.Equal(t, sale.Reference, status.Blocked[0].SaleReference)
	assert.Equal(t, domain.SourceRefund, status.Blocked[0].Source)
}

func TestAdjustCommandQueuesMovement(t *testing.T) {
	cliEnv(t, cliEnrollmentKey)
	srv := newCLIServer(t)
	global := []string{
		"--db", filepath.Join(t.TempDir(), "till.db"),
		"--server", srv.url,
		"--terminal", "till-adj",
		"--format", "json",
	}

	out, err := execute(t, append([]string{"pull"}, global...)...)
	require.NoError(t, err, out)

	id := strconv.FormatInt(srv.productID, 10)
	out, err = execute(t, append([]string{"adjust", "--note", "damaged"}, append(global, "--", id, "-2.5")...)...)
	require.NoError(t, err, out)

	var movement domain.StockMovement
	decodeData(t, out, &movement)
	assert.Equal(t, domain.SourceAdjustment, movement.Source)
	assert.Equal(t, "damaged", movement.Note)
	assert.Equal(t, "-2.5", movement.Quantity.String())

	var status statusView
	out, err = execute(t, append([]string{"status"}, global...)...)
	require.NoError(t, err, out)
	decodeData(t, out, &status)
	assert.Equal(t, 1, status.Queue.PendingAdjustments)
}

func TestCommandErrors(t *testing.T) {
	cliEnv(t, "")
	db := filepath.Join(t.TempDir(), "till.db")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"invalid format", []string{"status", "--db", db, "--terminal", "t1", "--format", "xml"}, ExitCommandError},
		{"missing terminal", []string{"status", "--db", db}, ExitCommandError},
		{"push without credentials", []string{"push", "--db", db, "--terminal", "t1"}, ExitCommandError},
		{"bad cart line", []string{"sell", "--db", db, "--terminal", "t1", "--item", "seven"}, ExitCommandError},
		{"unknown product", []string{"sell", "--db", db, "--terminal", "t1", "--item", "42:1"}, ExitCommandError},
		{"unknown sale", []string{"refund", "S-NOPE", "--db", db, "--terminal", "t1"}, ExitCommandError},
		{"bad requeue kind", []string{"requeue", "--kind", "refund", "--db", db, "--terminal", "t1"}, ExitCommandError},
		{"bad adjust quantity", []string{"adjust", "1", "lots", "--db", db, "--terminal", "t1"}, ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err), err.Error())
		})
	}
}

func TestParseCart(t *testing.T) {
	cart, err := parseCart([]string{"7:3", " 12 : 0.25 "})
	require.NoError(t, err)
	require.Len(t, cart, 2)
	assert.Equal(t, int64(7), cart[0].ProductID)
	assert.Equal(t, "3", cart[0].Quantity.String())
	assert.Equal(t, int64(12), cart[1].ProductID)
	assert.Equal(t, "0.25", cart[1].Quantity.String())

	for _, bad := range [][]string{nil, {"7"}, {"x:1"}, {"7:abc"}} {
		_, err := parseCart(bad)
		assert.Error(t, err, "%v", bad)
	}
}
