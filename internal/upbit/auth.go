package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authorizationToken builds the Bearer token Upbit expects on private endpoints.
// Requests with parameters carry a SHA512 hash of the unescaped query string.
func (c *Client) authorizationToken(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.New().String(),
	}

	if len(params) > 0 {
		query, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", err
		}
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", err
	}
	return "Bearer " + signed, nil
}
