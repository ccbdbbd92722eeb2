package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-3/citadel/captcha"
	"github.com/layer-3/citadel/service"
)

// SetupRouter sets up the Gin router with the protection middleware applied
// to everything outside the bypass prefixes. Applications mount their own
// routes on the returned engine.
func SetupRouter(protection *service.Protection, cap *captcha.Captcha) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ProtectionMiddleware(protection))

	handlers := NewSecurityHandlers(protection, cap)

	security := router.Group("/security")
	{
		security.GET("/pow/challenge", handlers.PoWChallenge)
		security.GET("/pow/solution/:id", handlers.PoWSolution)
		security.POST("/pow/verify", handlers.VerifyPoW)
		security.POST("/verify", handlers.VerifyChallenge)
		security.GET("/captcha/image", handlers.CaptchaImage)
		security.POST("/captcha/verify", handlers.VerifyCaptcha)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", handlers.Healthz)

	return router
}
