package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cohort/internal/batch/models"
	batchservice "cohort/internal/batch/service"
	"cohort/internal/batch/store"
	"cohort/internal/commitment"
	"cohort/internal/retrieval/lockout"
	"cohort/internal/retrieval/service"
	"cohort/internal/retrieval/token"
	httptransport "cohort/internal/transport/http"
	id "cohort/pkg/domain"
	"cohort/pkg/platform/middleware/metadata"
	"cohort/pkg/testutil"
)

const (
	ownedKit = "KIT-AB12CD34"
	ownedPIN = "123456"
	otherKit = "KIT-RR00RR00"
	otherPIN = "9999"
)

// newRetrievalServer wires a real coordinator, issuer and router around a
// completed batch of three where acct-1 owns ownedKit and acct-2 otherKit.
// Three failures lock a key.
func newRetrievalServer(t *testing.T, trusted []string) (http.Handler, id.BatchID) {
	t.Helper()
	now := time.Now().UTC()
	ctx := testutil.At(now)

	coordinator, err := batchservice.New(store.NewInMemory(), batchservice.WithPolicy(models.Policy{
		Capacity:       3,
		PaymentWindow:  models.DefaultPaymentWindow,
		PatienceWindow: models.DefaultPatienceWindow,
		PenaltyBps:     models.DefaultPenaltyBps,
	}))
	require.NoError(t, err)

	var res *batchservice.JoinResult
	for i := range 3 {
		res, err = coordinator.Join(ctx, batchservice.JoinRequest{Identity: id.Identity(fmt.Sprintf("acct-%d", i)), DepositAmount: 1_000})
		require.NoError(t, err)
	}
	_, err = coordinator.Activate(ctx, res.BatchID)
	require.NoError(t, err)
	require.NoError(t, coordinator.RegisterCommitment(ctx, res.BatchID, "acct-1", commitment.Commit(ownedKit, ownedPIN)))
	require.NoError(t, coordinator.RegisterCommitment(ctx, res.BatchID, "acct-2", commitment.Commit(otherKit, otherPIN)))
	_, err = coordinator.FastForward(ctx, res.BatchID, models.StateCompleted)
	require.NoError(t, err)

	signer, err := token.NewSigner("0123456789abcdef0123456789abcdef", "cohort-test", token.DefaultTTL)
	require.NoError(t, err)
	failures, err := lockout.NewMemoryStore(64)
	require.NoError(t, err)
	issuer := service.New(coordinator, signer, service.WithLockout(failures, 3, time.Hour))

	proxies, err := metadata.ParseTrustedProxies(trusted)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptransport.NewRouter(httptransport.Options{
		Logger:         logger,
		Health:         map[string]httptransport.HealthCheck{},
		Handlers:       []httptransport.Registrar{New(issuer, logger)},
		TrustedProxies: proxies,
	}), res.BatchID
}

func verify(t *testing.T, router http.Handler, batchID id.BatchID, remote, forwardedFor, kit, pin string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewJSONRequest(t, http.MethodPost, "/retrieval/verify", map[string]any{
		"batch_id": uint64(batchID), "kit_id": kit, "pin": pin,
	})
	req.RemoteAddr = remote
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	return testutil.DoRequest(router, req)
}

func TestVerifyLockoutIgnoresSpoofedForwardedFor(t *testing.T) {
	testutil.Given(t, "no trusted proxies and a client rotating X-Forwarded-For", func(t *testing.T) {
		router, batchID := newRetrievalServer(t, nil)
		const remote = "203.0.113.5:40000"

		for i := range 3 {
			rr := verify(t, router, batchID, remote, fmt.Sprintf("10.9.0.%d", i+1), fmt.Sprintf("KIT-0000000%d", i), "4321")
			testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "no_match")
		}

		testutil.When(t, "it tries a kit it has not guessed yet with a fresh header", func(t *testing.T) {
			rr := verify(t, router, batchID, remote, "10.9.0.200", otherKit, otherPIN)

			testutil.Then(t, "it is still locked by its real address", func(t *testing.T) {
				testutil.AssertStatusAndError(t, rr, http.StatusTooManyRequests, "rate_limited")
			})
		})

		testutil.When(t, "another address tries the same kit", func(t *testing.T) {
			rr := verify(t, router, batchID, "198.51.100.20:40000", "", otherKit, otherPIN)

			testutil.Then(t, "it is served", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
			})
		})
	})
}

func TestVerifyLockoutBehindTrustedProxy(t *testing.T) {
	testutil.Given(t, "a trusted proxy forwarding one client that prepends fake hops", func(t *testing.T) {
		router, batchID := newRetrievalServer(t, []string{"10.0.0.0/8"})
		const proxy = "10.0.0.2:8080"

		for i := range 3 {
			chain := fmt.Sprintf("6.6.6.%d, 203.0.113.7", i+1)
			rr := verify(t, router, batchID, proxy, chain, fmt.Sprintf("KIT-1111111%d", i), "4321")
			testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "no_match")
		}

		testutil.When(t, "the same client tries again", func(t *testing.T) {
			rr := verify(t, router, batchID, proxy, "6.6.6.99, 203.0.113.7", ownedKit, ownedPIN)

			testutil.Then(t, "it is locked by the address the proxy saw", func(t *testing.T) {
				testutil.AssertStatusAndError(t, rr, http.StatusTooManyRequests, "rate_limited")
			})
		})

		testutil.When(t, "a different client comes through the same proxy", func(t *testing.T) {
			rr := verify(t, router, batchID, proxy, "198.51.100.30", ownedKit, ownedPIN)

			testutil.Then(t, "it is served", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
			})
		})
	})
}
