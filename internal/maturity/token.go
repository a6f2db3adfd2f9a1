package maturity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// tokenClaims binds a confirmation token to one notification and its order.
type tokenClaims struct {
	NotificationID int64 `json:"nid"`
	OrderID        int64 `json:"oid"`
	jwt.RegisteredClaims
}

// IssueConfirmToken signs a confirmation token for a sent notification. The
// token expires with the response window.
func IssueConfirmToken(secret []byte, notificationID, orderID int64, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		NotificationID: notificationID,
		OrderID:        orderID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseConfirmToken verifies a confirmation token and returns the
// notification and order ids it was issued for.
func ParseConfirmToken(secret []byte, token string) (notificationID, orderID int64, err error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "parse confirm token")
	}
	if !parsed.Valid {
		return 0, 0, errors.New("invalid confirm token")
	}
	return claims.NotificationID, claims.OrderID, nil
}
