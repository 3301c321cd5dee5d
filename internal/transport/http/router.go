package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/config"
	"go.uber.org/zap"
)

func NewRouter(svc Services, tokens *auth.TokenIssuer, rl config.RateLimitConfig, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	if rl.RPS > 0 {
		r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	RegisterHandlers(r, svc, AuthMiddleware(tokens), log)
	return r
}
