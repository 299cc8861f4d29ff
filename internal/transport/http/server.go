package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/replica-server/internal/auth"
	"github.com/vovakirdan/replica-server/internal/config"
	"github.com/vovakirdan/replica-server/internal/core"
)

// tokenAttemptsPerMinute bounds secret guesses per remote address.
const tokenAttemptsPerMinute = 10

// Operator is the engine surface exposed to operators.
type Operator interface {
	Stats() core.Stats
	Channels() []core.ChannelInfo
	SaveNow()
	SetSleep(enabled bool)
	Ban(keyword string) int
	Unban(keyword string) bool
	Kick(who string) bool
	SetAliasQuota(minAliases, maxAliases int) error
	DeleteChannel(id int32) bool
}

// NewServer builds the HTTP server: health check, the browser participant
// endpoint and the operator API. ws may be nil when browsers are not served.
func NewServer(op Operator, ws stdhttp.Handler, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if ws != nil {
		router.GET("/ws", gin.WrapH(ws))
	}

	h := NewOperatorHandlers(op, authService, logger)
	api := router.Group("/api")
	api.POST("/token", RateLimitMiddleware(newRateLimiter(tokenAttemptsPerMinute)), h.IssueToken)

	protected := api.Group("")
	protected.Use(AuthMiddleware(authService, logger))
	protected.GET("/stats", h.Stats)
	protected.GET("/channels", h.Channels)
	protected.DELETE("/channels/:id", h.DeleteChannel)
	protected.POST("/save", h.Save)
	protected.PUT("/sleep", h.SetSleep)
	protected.POST("/bans", h.AddBan)
	protected.DELETE("/bans/:keyword", h.RemoveBan)
	protected.POST("/kick", h.Kick)
	protected.PUT("/alias-quota", h.SetAliasQuota)

	return &stdhttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
