package pipelineclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// controlSurfaceTokenTTL bounds how long a signed bearer token is valid;
// it only needs to outlive one request, so it's kept short rather than
// cached and reused.
const controlSurfaceTokenTTL = 30 * time.Second

// signControlSurfaceToken signs a short-lived HS256 token identifying the
// controller as the caller of a pipeline's control surface. The subject is
// fixed and the token carries no pipeline claim; one signing key is shared
// by the requests to every pipeline, so a token does not restrict which
// pipeline it may address.
func signControlSurfaceToken(signingKey []byte) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "pipeline-controller",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(controlSurfaceTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}
