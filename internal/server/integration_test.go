//go:build integration

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/agriconnect/settlement/internal/config"
	"github.com/agriconnect/settlement/internal/gateway"
)

// startPostgres brings up a throwaway database for the duration of the test.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("settlement"),
		tcpostgres.WithUsername("settlement"),
		tcpostgres.WithPassword("settlement"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "starting postgres container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// TestPostgresBackedLifecycle runs the escrow lifecycle against real
// Postgres stores: open, fund through a signed webhook, settle a
// milestone, and reconcile.
func TestPostgresBackedLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	cfg := testConfig()
	cfg.DatabaseURL = startPostgres(t)

	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err, "creating server")
	defer func() { _ = s.db.Close() }()

	openBody := `{
		"orderId": "ord_pg_1",
		"buyer": "buyer_pg",
		"seller": "farmer_pg",
		"total": "200.00",
		"milestones": [
			{"name": "delivery", "amount": "120.00"},
			{"name": "quality_check", "amount": "80.00"}
		]
	}`
	w := doJSON(t, s, "POST", "/v1/escrows", openBody, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var openResp struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &openResp))
	escrowID := openResp.Escrow.ID
	require.NotEmpty(t, escrowID)

	hook := []byte(`{"referenceId":"momo_pg_1","externalId":"ord_pg_1","amount":"200.00","currency":"GHS","status":"SUCCESSFUL"}`)
	w = doJSON(t, s, "POST", "/v1/webhooks/mtn_momo", string(hook), map[string]string{
		"X-Webhook-Signature": gateway.Sign(config.AlgoHMACSHA256, momoSecret, hook),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Duplicate delivery must not double-fund
	w = doJSON(t, s, "POST", "/v1/webhooks/mtn_momo", string(hook), map[string]string{
		"X-Webhook-Signature": gateway.Sign(config.AlgoHMACSHA256, momoSecret, hook),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, "GET", fmt.Sprintf("/v1/escrows/%s", escrowID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fundedResp struct {
		Escrow struct {
			TotalHeld string `json:"totalHeld"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fundedResp))
	require.Equal(t, "200", fundedResp.Escrow.TotalHeld, "full gross, held once")

	w = doJSON(t, s, "POST", fmt.Sprintf("/v1/escrows/%s/milestones/delivery/settle", escrowID), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Reconciliation over real rows finds no drift
	report, err := s.engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean(), "mismatches: %+v", report.Mismatches)
	require.Equal(t, 1, report.Accounts)
}

// TestPostgresBackedDisputeSurvivesRestart verifies that an open dispute
// persists and still freezes settlement after the service is rebuilt on
// the same database.
func TestPostgresBackedDisputeSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	cfg := testConfig()
	cfg.DatabaseURL = startPostgres(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)

	openBody := `{
		"orderId": "ord_pg_2",
		"buyer": "buyer_pg",
		"seller": "farmer_pg",
		"total": "75.00",
		"milestones": [{"name": "delivery", "amount": "75.00"}]
	}`
	w := doJSON(t, s, "POST", "/v1/escrows", openBody, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var openResp struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &openResp))
	escrowID := openResp.Escrow.ID

	hook := []byte(`{"referenceId":"momo_pg_2","externalId":"ord_pg_2","amount":"75.00","currency":"GHS","status":"SUCCESSFUL"}`)
	w = doJSON(t, s, "POST", "/v1/webhooks/mtn_momo", string(hook), map[string]string{
		"X-Webhook-Signature": gateway.Sign(config.AlgoHMACSHA256, momoSecret, hook),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, "POST", "/v1/disputes",
		fmt.Sprintf(`{"escrowId":%q,"openedBy":"buyer_pg","reason":"short delivery"}`, escrowID), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, s.db.Close())

	// Rebuild the whole stack on the same database
	time.Sleep(100 * time.Millisecond)
	s2, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	defer func() { _ = s2.db.Close() }()

	w = doJSON(t, s2, "POST", fmt.Sprintf("/v1/escrows/%s/milestones/delivery/settle", escrowID), "", nil)
	require.Equal(t, http.StatusConflict, w.Code, "dispute freeze must survive a restart: %s", w.Body.String())
}
