package switchgear

import (
	"crypto"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// adminTokenMethods is the set of JWT signing methods management
// tokens may use.
var adminTokenMethods = []string{"ES256", "EdDSA"}

// tokenVerifier checks management bearer tokens against a fixed public
// key.
type tokenVerifier struct {
	pubKey crypto.PublicKey
}

// newTokenVerifier loads the PEM encoded public key at the given path.
// ECDSA P-256 and Ed25519 keys are accepted.
func newTokenVerifier(pubKeyPath string) (*tokenVerifier, error) {
	pemBytes, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read public key file: %w",
			err)
	}

	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return &tokenVerifier{pubKey: key}, nil
	}

	key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("public key is neither ECDSA nor "+
			"Ed25519: %w", err)
	}

	return &tokenVerifier{pubKey: key}, nil
}

// verify parses the compact token and checks its signature and claims.
func (v *tokenVerifier) verify(tokenString string) error {
	_, err := jwt.Parse(
		tokenString,
		func(*jwt.Token) (interface{}, error) {
			return v.pubKey, nil
		},
		jwt.WithValidMethods(adminTokenMethods),
	)

	return err
}

// middleware rejects requests that do not carry a valid bearer token.
func (v *tokenVerifier) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(
				w, "missing bearer token",
				http.StatusUnauthorized,
			)

			return
		}

		if err := v.verify(token); err != nil {
			log.Debugf("Rejected management token from %v: %v",
				r.RemoteAddr, err)
			http.Error(
				w, "invalid bearer token",
				http.StatusUnauthorized,
			)

			return
		}

		next.ServeHTTP(w, r)
	})
}
