package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/service"
)

// bypassPrefixes are never gated: the challenge endpoints themselves, static
// assets, and operational surfaces.
var bypassPrefixes = []string{
	"/security/",
	"/static/",
	"/media/",
	"/metrics",
	"/healthz",
}

// ProtectionMiddleware runs every request through the orchestrator and
// interposes the required gate when the request is denied. Denials are 429
// with an embedded challenge descriptor, or 403 when no decision could be
// made, never a bare 500.
func ProtectionMiddleware(protection *service.Protection) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range bypassPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		req := requestInfo(c)
		decision := protection.CheckRequest(c.Request.Context(), req)

		if decision.Allowed {
			if decision.Method == "token" {
				c.Header("X-RateLimit-Method", "token")
			}
			c.Next()
			return
		}

		switch decision.Requires {
		case core.RequiresPoW:
			descriptor, err := protection.IssuePoWChallenge(c.Request.Context(), req)
			if err != nil {
				abortBlocked(c, decision.Reason)
				return
			}
			c.Header("X-Challenge-Required", "pow")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "challenge_required",
				"challenge_type": "pow",
				"reason":         decision.Reason,
				"challenge":      descriptor,
				"verify_url":     "/security/pow/verify",
			})

		case core.RequiresChallenge:
			issued, err := protection.IssueChallenge(c.Request.Context(), req, decision.Reason)
			if err != nil {
				abortBlocked(c, decision.Reason)
				return
			}
			c.Header("X-Challenge-Required", "math")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "challenge_required",
				"challenge_type": "math",
				"reason":         decision.Reason,
				"challenge":      issued,
				"verify_url":     "/security/verify",
			})

		case core.RequiresDualChallenge:
			issued, err := protection.IssueDualChallenge(c.Request.Context(), req)
			if err != nil {
				abortBlocked(c, decision.Reason)
				return
			}
			c.Header("X-Challenge-Required", "dual")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "challenge_required",
				"challenge_type": "dual",
				"reason":         decision.Reason,
				"challenge":      issued,
				"captcha_url":    "/security/captcha/image",
				"verify_url":     "/security/verify",
			})

		default:
			abortBlocked(c, decision.Reason)
		}
	}
}

func abortBlocked(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":  "blocked",
		"reason": reason,
	})
}

// requestInfo extracts the protection-relevant slice of the request. The
// session key comes from the sessionid cookie when present; anonymous
// clients are identified by circuit fingerprint alone.
func requestInfo(c *gin.Context) core.RequestInfo {
	sessionKey, _ := c.Cookie("sessionid")

	return core.RequestInfo{
		Method:         c.Request.Method,
		Path:           c.Request.URL.Path,
		UserAgent:      c.GetHeader("User-Agent"),
		AcceptLanguage: c.GetHeader("Accept-Language"),
		AcceptEncoding: c.GetHeader("Accept-Encoding"),
		Authorization:  c.GetHeader("Authorization"),
		SessionKey:     sessionKey,
	}
}
