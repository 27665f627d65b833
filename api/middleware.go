package api

import (
	"log"
	"net/url"
	"strings"

	"genrelay/config"

	"github.com/gin-gonic/gin"
)

const credentialKey = "credential"

// CredentialMiddleware extracts the caller's bearer credential from the
// Authorization header, falling back to the configured cookie. It never
// rejects: handlers decide whether a missing credential matters, so the
// stream endpoint and the create endpoint can answer differently.
func CredentialMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cred := extractCredential(c, cfg.AuthCookie); cred != "" {
			c.Set(credentialKey, cred)
		}
		c.Next()
	}
}

func credential(c *gin.Context) (string, bool) {
	cred := c.GetString(credentialKey)
	return cred, cred != ""
}

func extractCredential(c *gin.Context, cookieName string) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return checkShape(parts[1])
		}
		// Malformed header: fall through to the cookie.
	}

	cookie, err := c.Request.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	// Cookies arrive percent-encoded or raw depending on the client;
	// accept both.
	value := cookie.Value
	if decoded, err := url.QueryUnescape(value); err == nil && decoded != "" {
		value = decoded
	}
	return checkShape(value)
}

// checkShape sanity-checks the three-segment token structure. Alternate
// credential formats may be valid upstream, so a mismatch is logged and
// the value forwarded anyway.
func checkShape(credential string) string {
	if strings.Count(credential, ".") != 2 {
		log.Printf("credential does not look like a three-segment token; forwarding as-is")
	}
	return credential
}
