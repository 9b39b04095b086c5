// Package rendezvous is the signaling board WebRTC peers use to swap
// session descriptions, and an HTTP client for it.
package rendezvous

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/network"
)

// maxSDPBytes bounds one published description.
const maxSDPBytes = 64 << 10

type Dependencies struct {
	Board  *Board
	Logger *zap.Logger
	// AllowOrigins enables CORS for browser peers. Empty disables it.
	AllowOrigins []string
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type listResponse struct {
	Messages []network.SignalMessage `json:"messages"`
}

type httpHandler struct {
	board  *Board
	logger *zap.Logger
}

func NewHTTPHandler(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	board := deps.Board
	if board == nil {
		board = NewBoard(0, nil)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(deps.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: deps.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	h := &httpHandler{board: board, logger: logger.Named("rendezvous")}
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.PUT("/offers/:offerer/:target", h.handlePutOffer)
	router.PUT("/answers/:offerer/:target", h.handlePutAnswer)
	router.GET("/offers/:target", h.handleListOffers)
	router.GET("/answers/:offerer", h.handleListAnswers)
	return router
}

func (h *httpHandler) readSDP(c *gin.Context) (string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSDPBytes)
	var payload sdpPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.SDP) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sdp"})
		return "", false
	}
	return payload.SDP, true
}

func (h *httpHandler) handlePutOffer(c *gin.Context) {
	sdp, ok := h.readSDP(c)
	if !ok {
		return
	}
	msg := h.board.PutOffer(c.Param("offerer"), c.Param("target"), sdp)
	h.logger.Debug("offer published", zap.String("offerer", c.Param("offerer")), zap.String("target", c.Param("target")))
	c.JSON(http.StatusOK, msg)
}

func (h *httpHandler) handlePutAnswer(c *gin.Context) {
	sdp, ok := h.readSDP(c)
	if !ok {
		return
	}
	msg := h.board.PutAnswer(c.Param("offerer"), c.Param("target"), sdp)
	h.logger.Debug("answer published", zap.String("offerer", c.Param("offerer")), zap.String("target", c.Param("target")))
	c.JSON(http.StatusOK, msg)
}

func (h *httpHandler) handleListOffers(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, listResponse{Messages: h.board.Offers(c.Param("target"), since)})
}

func (h *httpHandler) handleListAnswers(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, listResponse{Messages: h.board.Answers(c.Param("offerer"), since)})
}

func parseSince(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return time.Time{}, false
	}
	return since, true
}
