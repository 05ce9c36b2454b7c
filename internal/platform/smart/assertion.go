package smart

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// BuildAssertion signs a backend-services client assertion: RS384, issuer
// and subject both the client id, audience the token endpoint, a fresh jti
// per request, and a five minute lifetime.
func BuildAssertion(clientID, tokenURL, privateKeyPEM, keyID string) (string, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeAuthExchangeFailed, http.StatusInternalServerError,
			"signing client assertion failed")
	}
	return signed, nil
}

func parseRSAPrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, apperror.Validation("backend services key is not pem encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, apperror.Validation("backend services key is not a parseable rsa key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, apperror.Validation("backend services key is not rsa")
	}
	return key, nil
}
