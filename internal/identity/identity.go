package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalContextKey = "Principal"

// Trading modes. Paper and live are isolated execution contexts and are
// never cross-routed.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Principal is the routing identity: who is trading, from which region,
// with virtual or real money.
type Principal struct {
	UserID      string
	Region      string
	TradingMode string
}

// Provider supplies the routing identity for non-HTTP callers
// (scheduler-driven executions resolve it from the algorithm owner).
type Provider interface {
	Resolve(userID string) (Principal, error)
}

// StaticProvider resolves every user to a fixed region and trading mode.
// Deployments with per-user brokerage accounts swap in a real resolver.
type StaticProvider struct {
	Region      string
	TradingMode string
}

func (p StaticProvider) Resolve(userID string) (Principal, error) {
	mode := p.TradingMode
	if mode == "" {
		mode = ModePaper
	}
	return Principal{UserID: userID, Region: p.Region, TradingMode: mode}, nil
}

// Claims carries the routing identity inside the bearer token.
type Claims struct {
	UserID      string `json:"uid"`
	Region      string `json:"region"`
	TradingMode string `json:"trading_mode"`
	jwt.RegisteredClaims
}

func GenerateToken(p Principal, secret, issuer string, expiresAt time.Time) (string, error) {
	claims := Claims{
		UserID:      p.UserID,
		Region:      p.Region,
		TradingMode: p.TradingMode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(tokenStr, secret string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, errors.New("invalid token claims")
	}
	p := Principal{
		UserID:      strings.TrimSpace(claims.UserID),
		Region:      strings.ToUpper(strings.TrimSpace(claims.Region)),
		TradingMode: strings.ToLower(strings.TrimSpace(claims.TradingMode)),
	}
	if p.UserID == "" {
		return Principal{}, errors.New("token missing user id")
	}
	if p.TradingMode == "" {
		p.TradingMode = ModePaper
	}
	return p, nil
}

// Middleware enforces a bearer token and stores the Principal in the context.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}
		p, err := ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		c.Set(principalContextKey, p)
		c.Next()
	}
}

// FromContext returns the authenticated principal, if any.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
