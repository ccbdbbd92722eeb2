package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/citadel/captcha"
	"github.com/layer-3/citadel/challenge"
	"github.com/layer-3/citadel/service"
	"github.com/layer-3/citadel/token"
)

const tokenCookieMaxAge = int(token.Validity / time.Second)

// SecurityHandlers contains HTTP handlers for the challenge endpoints
type SecurityHandlers struct {
	protection *service.Protection
	captcha    *captcha.Captcha
}

// NewSecurityHandlers creates new security handlers
func NewSecurityHandlers(protection *service.Protection, cap *captcha.Captcha) *SecurityHandlers {
	return &SecurityHandlers{
		protection: protection,
		captcha:    cap,
	}
}

// PoWChallenge issues a proof-of-work challenge on demand.
func (h *SecurityHandlers) PoWChallenge(c *gin.Context) {
	descriptor, err := h.protection.IssuePoWChallenge(c.Request.Context(), requestInfo(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
		return
	}

	c.JSON(http.StatusOK, descriptor)
}

// PoWSolution returns the launcher's pre-computed solution for a challenge,
// when the server managed to find one. Lets no-JS clients pass the gate
// without solving locally.
func (h *SecurityHandlers) PoWSolution(c *gin.Context) {
	solution, ok := h.protection.PoWSolution(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "solution not ready"})
		return
	}

	c.JSON(http.StatusOK, solution)
}

// VerifyPoW checks a proof-of-work response. Accepts either the stateless
// form (pow_challenge + pow_signature + nonce) or the launcher form
// (challenge_id + nonce).
func (h *SecurityHandlers) VerifyPoW(c *gin.Context) {
	nonce := c.PostForm("nonce")
	req := requestInfo(c)

	var ok bool
	var tok string

	if challengeID := c.PostForm("challenge_id"); challengeID != "" {
		ok, tok = h.protection.VerifyLauncherSolution(c.Request.Context(), req, challengeID, nonce)
	} else {
		ok, tok = h.protection.VerifyPoWSolution(
			c.Request.Context(), req,
			c.PostForm("pow_challenge"), c.PostForm("pow_signature"), nonce,
		)
	}

	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid solution"})
		return
	}

	issueToken(c, tok)
	c.JSON(http.StatusOK, gin.H{"success": true, "token": tok})
}

// VerifyChallenge checks a math (or dual) challenge response. A dual payload
// carries a signed captcha requirement: the click must validate before the
// math answer is considered, and stripping the marker from the payload breaks
// its signature.
func (h *SecurityHandlers) VerifyChallenge(c *gin.Context) {
	var data map[string]any
	if err := json.Unmarshal([]byte(c.PostForm("challenge_data")), &data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed challenge data"})
		return
	}

	captchaToken := c.PostForm("captcha_token")
	if challenge.RequiresCaptcha(data) && captchaToken == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "captcha required"})
		return
	}

	if captchaToken != "" {
		clickX, errX := strconv.Atoi(c.PostForm("captcha_x"))
		clickY, errY := strconv.Atoi(c.PostForm("captcha_y"))
		if errX != nil || errY != nil ||
			!h.captcha.Validate(c.Request.Context(), clickX, clickY, captchaToken) {
			c.JSON(http.StatusForbidden, gin.H{"error": "captcha failed"})
			return
		}
	}

	ok, tok := h.protection.VerifyChallengeResponse(
		c.Request.Context(), requestInfo(c),
		data, c.PostForm("challenge_hmac"), c.PostForm("challenge_answer"),
	)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid challenge response"})
		return
	}

	issueToken(c, tok)
	c.JSON(http.StatusOK, gin.H{"success": true, "token": tok})
}

// CaptchaImage draws a fresh captcha and returns it as PNG, with the token
// in a response header.
func (h *SecurityHandlers) CaptchaImage(c *gin.Context) {
	img, tok, err := h.captcha.Generate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate captcha"})
		return
	}

	c.Header("X-Captcha-Token", tok)
	c.Data(http.StatusOK, "image/png", img)
}

// VerifyCaptcha validates a captcha click as a standalone gate.
func (h *SecurityHandlers) VerifyCaptcha(c *gin.Context) {
	clickX, errX := strconv.Atoi(c.PostForm("captcha_x"))
	clickY, errY := strconv.Atoi(c.PostForm("captcha_y"))
	if errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
		return
	}

	if !h.captcha.Validate(c.Request.Context(), clickX, clickY, c.PostForm("captcha_token")) {
		c.JSON(http.StatusForbidden, gin.H{"success": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Healthz reports liveness.
func (h *SecurityHandlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// issueToken hands the minted bearer token back as both a header and a
// strict, http-only cookie.
func issueToken(c *gin.Context, tok string) {
	c.Header("X-Auth-Token", tok)
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie("ddos_token", tok, tokenCookieMaxAge, "/", "", true, true)
}
