package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cohort/internal/retrieval/handler/mocks"
	"cohort/internal/retrieval/service"
	"cohort/internal/retrieval/token"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	svc    *mocks.MockService
	router chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.svc = mocks.NewMockService(s.ctrl)
	s.router = chi.NewRouter()
	New(s.svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) TestVerify() {
	issuedAt := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	s.Run("returns a bearer token", func() {
		s.svc.EXPECT().Redeem(gomock.Any(), service.RedeemRequest{
			BatchID: 3,
			KitID:   "KIT-AB12CD34",
			PIN:     "123456",
		}).Return(&token.Issued{Value: "signed", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(2 * time.Hour)}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", map[string]any{
			"batch_id": 3, "kit_id": "kit-ab12cd34", "pin": "123456",
		}))

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[TokenResponse](s.T(), rr)
		s.Equal("signed", resp.Token)
		s.Equal("Bearer", resp.TokenType)
		s.Equal(int64(7200), resp.ExpiresIn)
	})

	s.Run("wrong pin and unknown kit look the same", func() {
		s.svc.EXPECT().Redeem(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeNoMatch, "kit id and pin do not match")).Times(2)

		wrongPIN := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", map[string]any{
			"batch_id": 3, "kit_id": "KIT-AB12CD34", "pin": "000000",
		}))
		unknownKit := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", map[string]any{
			"batch_id": 3, "kit_id": "KIT-ZZZZZZZZ", "pin": "123456",
		}))

		wrongPINBody, unknownKitBody := wrongPIN.Body.String(), unknownKit.Body.String()
		testutil.AssertStatusAndError(s.T(), wrongPIN, http.StatusUnauthorized, "no_match")
		s.Equal(wrongPINBody, unknownKitBody)
	})

	s.Run("results not ready", func() {
		s.svc.EXPECT().Redeem(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeResultsNotReady, "results are not available for this batch"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", map[string]any{
			"batch_id": 3, "kit_id": "KIT-AB12CD34", "pin": "123456",
		}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "results_not_ready")
	})

	s.Run("locked out", func() {
		s.svc.EXPECT().Redeem(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeRateLimited, "too many failed attempts"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", map[string]any{
			"batch_id": 3, "kit_id": "KIT-AB12CD34", "pin": "123456",
		}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusTooManyRequests, "rate_limited")
	})

	s.Run("boundary validation", func() {
		cases := map[string]map[string]any{
			"missing batch":    {"kit_id": "KIT-AB12CD34", "pin": "123456"},
			"malformed kit id": {"batch_id": 3, "kit_id": "AB12CD34", "pin": "123456"},
			"short pin":        {"batch_id": 3, "kit_id": "KIT-AB12CD34", "pin": "12"},
			"non-numeric pin":  {"batch_id": 3, "kit_id": "KIT-AB12CD34", "pin": "12ab56"},
		}
		for name, body := range cases {
			rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/retrieval/verify", body))
			s.Equal(http.StatusBadRequest, rr.Code, name)
		}
	})
}

func (s *HandlerSuite) TestDownload() {
	expires := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	download := &service.Download{
		BatchID:   3,
		KitID:     id.KitID("KIT-AB12CD34"),
		Key:       "3/KIT-AB12CD34.pdf",
		URL:       "https://results.example.test/3/KIT-AB12CD34.pdf?X-Amz-Signature=abc",
		ExpiresAt: expires,
	}

	bearer := func(path string) *http.Request {
		req := testutil.NewRequest(s.T(), http.MethodGet, path)
		req.Header.Set("Authorization", "Bearer signed")
		return req
	}

	s.Run("describes the object", func() {
		s.svc.EXPECT().ResolveDownload(gomock.Any(), "signed").Return(download, nil)

		rr := testutil.DoRequest(s.router, bearer("/retrieval/download"))

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[service.Download](s.T(), rr)
		s.Equal("3/KIT-AB12CD34.pdf", resp.Key)
		s.Equal(download.URL, resp.URL)
	})

	s.Run("redirects on request", func() {
		s.svc.EXPECT().ResolveDownload(gomock.Any(), "signed").Return(download, nil)

		rr := testutil.DoRequest(s.router, bearer("/retrieval/download?redirect=true"))

		s.Equal(http.StatusFound, rr.Code)
		s.Equal(download.URL, rr.Header().Get("Location"))
	})

	s.Run("no redirect without a presigned url", func() {
		s.svc.EXPECT().ResolveDownload(gomock.Any(), "signed").
			Return(&service.Download{BatchID: 3, KitID: "KIT-AB12CD34", Key: "3/KIT-AB12CD34.pdf"}, nil)

		rr := testutil.DoRequest(s.router, bearer("/retrieval/download?redirect=true"))
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("expired token", func() {
		s.svc.EXPECT().ResolveDownload(gomock.Any(), "signed").
			Return(nil, dErrors.New(dErrors.CodeUnauthorized, "retrieval token has expired"))

		rr := testutil.DoRequest(s.router, bearer("/retrieval/download"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("missing bearer", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/retrieval/download"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
		s.NotEmpty(rr.Header().Get("WWW-Authenticate"))
	})
}
