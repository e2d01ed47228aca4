package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"cohort/internal/batch/models"
	batchservice "cohort/internal/batch/service"
	"cohort/internal/batch/store"
	"cohort/internal/commitment"
	"cohort/internal/retrieval/lockout"
	retrievalmetrics "cohort/internal/retrieval/metrics"
	"cohort/internal/retrieval/token"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/platform/audit/publisher"
	auditmemory "cohort/pkg/platform/audit/store/memory"
	"cohort/pkg/requestcontext"
	"cohort/pkg/testutil"
)

const (
	kitP = id.KitID("KIT-AB12CD34")
	pinP = "123456"
	kitR = id.KitID("KIT-RR00RR00")
	pinR = "9999"
)

type IssuerSuite struct {
	suite.Suite
	coordinator *batchservice.Coordinator
	issuer      *Issuer
	lockouts    *lockout.MemoryStore
	presigner   *fakePresigner
	auditStore  *auditmemory.InMemoryStore
	metrics     *retrievalmetrics.Metrics
	t0          time.Time
	batchID     id.BatchID
	p           id.Identity
}

func TestIssuerSuite(t *testing.T) {
	suite.Run(t, new(IssuerSuite))
}

func (s *IssuerSuite) SetupTest() {
	s.t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	coordinator, err := batchservice.New(store.NewInMemory(), batchservice.WithPolicy(models.Policy{
		Capacity:       3,
		PaymentWindow:  models.DefaultPaymentWindow,
		PatienceWindow: models.DefaultPatienceWindow,
		PenaltyBps:     models.DefaultPenaltyBps,
	}))
	s.Require().NoError(err)
	s.coordinator = coordinator

	signer, err := token.NewSigner("0123456789abcdef0123456789abcdef", "cohort-test", token.DefaultTTL)
	s.Require().NoError(err)

	s.lockouts, err = lockout.NewMemoryStore(64)
	s.Require().NoError(err)
	s.presigner = &fakePresigner{}
	s.auditStore = auditmemory.NewInMemoryStore()
	s.metrics = retrievalmetrics.New(prometheus.NewRegistry())

	s.issuer = New(coordinator, signer,
		WithLockout(s.lockouts, 3, time.Hour),
		WithObjectStore(s.presigner, ".pdf", 0),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
		WithMetrics(s.metrics),
	)
	s.batchID, s.p = s.activeBatch()
}

func (s *IssuerSuite) at(d time.Duration) context.Context {
	return testutil.At(s.t0.Add(d))
}

// activeBatch creates an active batch of three where participant 1 (P)
// commits to kitP and participant 2 commits to kitR.
func (s *IssuerSuite) activeBatch() (id.BatchID, id.Identity) {
	var res *batchservice.JoinResult
	for i := range 3 {
		var err error
		res, err = s.coordinator.Join(s.at(0), batchservice.JoinRequest{
			Identity:      id.Identity(fmt.Sprintf("acct-%d", i)),
			DepositAmount: 1_000,
		})
		s.Require().NoError(err)
	}
	s.Require().True(res.Staged)
	_, err := s.coordinator.Activate(s.at(0), res.BatchID)
	s.Require().NoError(err)

	s.Require().NoError(s.coordinator.RegisterCommitment(s.at(time.Hour), res.BatchID, "acct-1", commitment.Commit(kitP.String(), pinP)))
	s.Require().NoError(s.coordinator.RegisterCommitment(s.at(time.Hour), res.BatchID, "acct-2", commitment.Commit(kitR.String(), pinR)))
	return res.BatchID, "acct-1"
}

func (s *IssuerSuite) complete() {
	_, err := s.coordinator.FastForward(s.at(2*time.Hour), s.batchID, models.StateCompleted)
	s.Require().NoError(err)
}

func (s *IssuerSuite) TestFindMatch() {
	s.Run("results not ready before completion", func() {
		_, err := s.issuer.FindMatch(s.at(0), s.batchID, kitP, pinP)
		s.True(dErrors.HasCode(err, dErrors.CodeResultsNotReady))
	})

	s.complete()

	s.Run("matches the committed participant", func() {
		p, err := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, kitP, pinP)
		s.Require().NoError(err)
		s.Equal(s.p, p.Identity)
	})

	s.Run("wrong pin and unknown kit look the same", func() {
		_, wrongPIN := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, kitP, "000000")
		_, unknownKit := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, "KIT-00000000", pinP)
		s.True(dErrors.HasCode(wrongPIN, dErrors.CodeNoMatch))
		s.Equal(wrongPIN.Error(), unknownKit.Error())
	})

	s.Run("another participant's kit with my pin", func() {
		_, err := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, kitR, pinP)
		s.True(dErrors.HasCode(err, dErrors.CodeNoMatch))
	})

	s.Run("unknown batch", func() {
		_, err := s.issuer.FindMatch(s.at(3*time.Hour), 404, kitP, pinP)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *IssuerSuite) TestFindMatchSkipsSlowCandidates() {
	s.complete()
	release := make(chan struct{})
	defer close(release)

	s.issuer.candidateTimeout = 10 * time.Millisecond
	s.issuer.verify = func(kitID, secret string, stored commitment.Digest) bool {
		if stored == commitment.Commit(kitP.String(), pinP) {
			<-release
		}
		return commitment.Verify(kitID, secret, stored)
	}

	_, err := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, kitP, pinP)
	s.True(dErrors.HasCode(err, dErrors.CodeNoMatch))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.CandidateTimeouts))

	p, err := s.issuer.FindMatch(s.at(3*time.Hour), s.batchID, kitR, pinR)
	s.Require().NoError(err)
	s.Equal(id.Identity("acct-2"), p.Identity)
}

func (s *IssuerSuite) TestIssueToken() {
	s.Run("refused before completion", func() {
		_, err := s.issuer.IssueToken(s.at(0), s.batchID, kitP)
		s.True(dErrors.HasCode(err, dErrors.CodeResultsNotReady))
	})

	s.complete()

	issuedAt := s.t0.Add(3 * time.Hour)
	issued, err := s.issuer.IssueToken(testutil.At(issuedAt), s.batchID, kitP)
	s.Require().NoError(err)
	s.Equal(issuedAt, issued.IssuedAt)
	s.Equal(issuedAt.Add(2*time.Hour), issued.ExpiresAt)

	claims, err := s.issuer.ValidateToken(testutil.At(issuedAt.Add(time.Hour)), issued.Value)
	s.Require().NoError(err)
	s.Equal(s.batchID, claims.BatchID)
	s.Equal(kitP, claims.KitID)

	_, err = s.issuer.ValidateToken(testutil.At(issuedAt.Add(2*time.Hour)), issued.Value)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.TokensRejected))
}

func (s *IssuerSuite) TestRedeem() {
	s.complete()
	ctx := requestcontext.WithClientMetadata(s.at(3*time.Hour), "198.51.100.7", "curl/8")

	s.Run("valid kit and pin", func() {
		issued, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: pinP})
		s.Require().NoError(err)
		s.NotEmpty(issued.Value)
	})

	s.Run("malformed pin never reaches the scan", func() {
		_, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: "12"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidArgument))
	})

	s.Contains(s.actions(), string(audit.EventTokenIssued))
}

func (s *IssuerSuite) TestRedeemLockout() {
	s.complete()
	attacker := requestcontext.WithClientMetadata(s.at(3*time.Hour), "203.0.113.5", "bot")
	other := requestcontext.WithClientMetadata(s.at(3*time.Hour), "203.0.113.6", "browser")

	for i := range 3 {
		_, err := s.issuer.Redeem(attacker, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: fmt.Sprintf("00%02d", i)})
		s.True(dErrors.HasCode(err, dErrors.CodeNoMatch))
	}

	_, err := s.issuer.Redeem(attacker, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: pinP})
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "locked out even with the right pin")

	_, err = s.issuer.Redeem(other, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: pinP})
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "the guessed kit is locked for every address")

	_, err = s.issuer.Redeem(other, RedeemRequest{BatchID: s.batchID, KitID: kitR, PIN: pinR})
	s.NoError(err, "other kits stay open to other addresses")
	s.Equal(float64(2), promtest.ToFloat64(s.metrics.Lockouts))

	s.Contains(s.actions(), string(audit.EventVerificationFailed))
	s.Contains(s.actions(), string(audit.EventVerificationLocked))
}

func (s *IssuerSuite) TestRedeemKitLockoutSurvivesAddressRotation() {
	s.complete()

	// Given three wrong guesses against one kit, each from a fresh address
	for i := range 3 {
		ctx := requestcontext.WithClientMetadata(s.at(3*time.Hour), fmt.Sprintf("198.18.0.%d", i+1), "bot")
		_, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: fmt.Sprintf("11%02d", i)})
		s.True(dErrors.HasCode(err, dErrors.CodeNoMatch))
	}

	// When yet another address tries the kit
	fresh := requestcontext.WithClientMetadata(s.at(3*time.Hour), "198.18.0.99", "bot")
	_, err := s.issuer.Redeem(fresh, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: "1199"})

	// Then the attempt is refused without reaching the scan
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	n, err := s.lockouts.Failures(fresh, lockout.KitKey(s.batchID, kitP))
	s.Require().NoError(err)
	s.Equal(3, n)
}

func (s *IssuerSuite) TestRedeemOwnKitDoesNotClearClientFailures() {
	s.complete()
	ctx := requestcontext.WithClientMetadata(s.at(3*time.Hour), "203.0.113.40", "bot")
	own := RedeemRequest{BatchID: s.batchID, KitID: kitR, PIN: pinR}

	// Given a client that owns kitR and interleaves its valid redemption
	// between guesses at other kits
	attempts := 0
	var err error
	for attempts < 10 {
		attempts++
		guess := RedeemRequest{BatchID: s.batchID, KitID: id.KitID(fmt.Sprintf("KIT-0000000%d", attempts)), PIN: "4321"}
		_, err = s.issuer.Redeem(ctx, guess)
		if dErrors.HasCode(err, dErrors.CodeRateLimited) {
			break
		}
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNoMatch))

		_, ownErr := s.issuer.Redeem(ctx, own)
		if dErrors.HasCode(ownErr, dErrors.CodeRateLimited) {
			err = ownErr
			break
		}
		s.Require().NoError(ownErr)
	}

	// Then the client is still locked out once its guesses reach the limit
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.LessOrEqual(attempts, 4)

	n, ferr := s.lockouts.Failures(ctx, lockout.ClientKey(s.batchID, "203.0.113.40"))
	s.Require().NoError(ferr)
	s.Equal(3, n)
}

func (s *IssuerSuite) TestRedeemAlternatingWithOwnKitStillLocks() {
	s.complete()
	ctx := requestcontext.WithClientMetadata(s.at(3*time.Hour), "203.0.113.41", "bot")

	// When 30 guesses at kitP are made, redeeming kitR after every second one
	scanned, limited := 0, 0
	for i := range 30 {
		_, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: fmt.Sprintf("%04d", 5000+i)})
		switch {
		case dErrors.HasCode(err, dErrors.CodeNoMatch):
			scanned++
		case dErrors.HasCode(err, dErrors.CodeRateLimited):
			limited++
		default:
			s.Require().NoError(err)
		}
		if i%2 == 1 {
			_, _ = s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitR, PIN: pinR})
		}
	}

	// Then only maxFailures guesses ever reach the scan
	s.Equal(3, scanned)
	s.Equal(27, limited)
}

func (s *IssuerSuite) TestRedeemSuccessResetsKitFailures() {
	s.complete()
	ctx := requestcontext.WithClientMetadata(s.at(3*time.Hour), "198.51.100.8", "app")

	for range 2 {
		_, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: "0000"})
		s.True(dErrors.HasCode(err, dErrors.CodeNoMatch))
	}
	_, err := s.issuer.Redeem(ctx, RedeemRequest{BatchID: s.batchID, KitID: kitP, PIN: pinP})
	s.Require().NoError(err)

	n, err := s.lockouts.Failures(ctx, lockout.KitKey(s.batchID, kitP))
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.lockouts.Failures(ctx, lockout.ClientKey(s.batchID, "198.51.100.8"))
	s.Require().NoError(err)
	s.Equal(2, n, "client failures run out their window")
}

func (s *IssuerSuite) TestResolveDownload() {
	s.complete()
	issuedAt := s.t0.Add(3 * time.Hour)
	issued, err := s.issuer.IssueToken(testutil.At(issuedAt), s.batchID, kitP)
	s.Require().NoError(err)

	s.Run("presigned url expires with the token", func() {
		d, err := s.issuer.ResolveDownload(testutil.At(issuedAt.Add(90*time.Minute)), issued.Value)
		s.Require().NoError(err)
		s.Equal(fmt.Sprintf("%d/%s.pdf", s.batchID, kitP), d.Key)
		s.Equal(30*time.Minute, s.presigner.lastTTL)
		s.True(issued.ExpiresAt.Equal(d.ExpiresAt))

		u, err := url.Parse(d.URL)
		s.Require().NoError(err)
		s.Equal("/"+d.Key, u.Path)
	})

	s.Run("invalid token", func() {
		_, err := s.issuer.ResolveDownload(testutil.At(issuedAt), "garbage")
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("presign failure is internal", func() {
		s.presigner.err = errors.New("no credentials")
		defer func() { s.presigner.err = nil }()
		_, err := s.issuer.ResolveDownload(testutil.At(issuedAt), issued.Value)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("purged batch no longer serves results", func() {
		_, err := s.coordinator.Purge(s.at(4*time.Hour), s.batchID)
		s.Require().NoError(err)
		_, err = s.issuer.ResolveDownload(testutil.At(issuedAt.Add(time.Hour)), issued.Value)
		s.True(dErrors.HasCode(err, dErrors.CodeResultsNotReady))
	})
}

func (s *IssuerSuite) TestResolveDownloadHonoursPresignCap() {
	s.complete()
	signer, err := token.NewSigner("0123456789abcdef0123456789abcdef", "cohort-test", token.DefaultTTL)
	s.Require().NoError(err)
	capped := New(s.coordinator, signer, WithObjectStore(s.presigner, "pdf", 5*time.Minute))

	issuedAt := s.t0.Add(3 * time.Hour)
	issued, err := capped.IssueToken(testutil.At(issuedAt), s.batchID, kitP)
	s.Require().NoError(err)

	d, err := capped.ResolveDownload(testutil.At(issuedAt), issued.Value)
	s.Require().NoError(err)
	s.Equal(5*time.Minute, s.presigner.lastTTL)
	s.Equal(issuedAt.Add(5*time.Minute), d.ExpiresAt)
}

func (s *IssuerSuite) actions() []string {
	events, err := s.auditStore.ListAll(context.Background())
	s.Require().NoError(err)
	var out []string
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

type fakePresigner struct {
	lastTTL time.Duration
	err     error
}

func (f *fakePresigner) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastTTL = ttl
	return "https://results.example.test/" + key + "?sig=x", nil
}
