package rendezvous

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/elmops/elm/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, board *Board) *HTTPSignaler {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(Dependencies{Board: board}))
	t.Cleanup(srv.Close)
	sig, err := NewHTTPSignaler(srv.URL, srv.Client())
	require.NoError(t, err)
	return sig
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	sig := newServer(t, NewBoard(0, nil))

	require.NoError(t, sig.PublishOffer(ctx, "f1", "host", "offer-sdp"))
	offers, err := sig.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, "f1", offers[0].Peer)
	require.Equal(t, "offer-sdp", offers[0].SDP)

	// Already seen.
	offers, err = sig.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Empty(t, offers)

	require.NoError(t, sig.PublishAnswer(ctx, "f1", "host", "answer-sdp"))
	answers, err := sig.PollAnswers(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, "host", answers[0].Peer)
	require.Equal(t, "answer-sdp", answers[0].SDP)

	answers, err = sig.PollAnswers(ctx, "someone-else")
	require.NoError(t, err)
	require.Empty(t, answers)
}

func TestRepublishedOfferIsSeenAgain(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	sig := newServer(t, NewBoard(time.Hour, clock.Now))

	require.NoError(t, sig.PublishOffer(ctx, "f1", "host", "one"))
	offers, err := sig.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)

	clock.Advance(time.Second)
	require.NoError(t, sig.PublishOffer(ctx, "f1", "host", "two"))
	offers, err = sig.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, "two", offers[0].SDP)
}

func TestBoardPrunesExpiredEntries(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	b := NewBoard(time.Minute, clock.Now)
	b.PutOffer("f1", "host", "old")
	clock.Advance(2 * time.Minute)
	b.PutOffer("f2", "host", "new")

	offers := b.Offers("host", time.Time{})
	require.Len(t, offers, 1)
	require.Equal(t, "f2", offers[0].Peer)
}

func TestBoardOrdersByTime(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	b := NewBoard(time.Hour, clock.Now)
	b.PutOffer("f2", "host", "b")
	clock.Advance(time.Second)
	b.PutOffer("f1", "host", "a")
	offers := b.Offers("host", time.Time{})
	require.Equal(t, []string{"f2", "f1"}, []string{offers[0].Peer, offers[1].Peer})
}

func TestRejectsBadRequests(t *testing.T) {
	h := NewHTTPHandler(Dependencies{})

	req := httptest.NewRequest(http.MethodPut, "/offers/f1/host", strings.NewReader(`{"sdp":""}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/offers/host?since=yesterday", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHTTPHandler(Dependencies{AllowOrigins: []string{"https://meet.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/offers/host", nil)
	req.Header.Set("Origin", "https://meet.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://meet.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSignalerNeedsAbsoluteURL(t *testing.T) {
	_, err := NewHTTPSignaler("/relative", nil)
	require.Error(t, err)
}
