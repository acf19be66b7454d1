package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

// newGenKeyCommand creates the command that generates the key pair the
// management API authenticates tokens against.
func newGenKeyCommand() *cobra.Command {
	var outPrefix string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a management signing key pair",
		Long: "Generates an ECDSA P-256 key pair and writes it to " +
			"<prefix>.pem and <prefix>.pub.pem. The public key " +
			"file is what the gateway's management listener is " +
			"configured with.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return genKey(outPrefix)
		},
	}

	cmd.Flags().StringVar(
		&outPrefix, "out", "admin", "output file name prefix",
	)

	return cmd
}

func genKey(outPrefix string) error {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("unable to generate key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("unable to serialize private key: %w", err)
	}
	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privBytes,
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return fmt.Errorf("unable to serialize public key: %w", err)
	}
	pubPem := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	privFile := outPrefix + ".pem"
	pubFile := outPrefix + ".pub.pem"

	// The private key must never be world readable.
	if err := os.WriteFile(privFile, privPem, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(pubFile, pubPem, 0644); err != nil {
		return err
	}

	fmt.Printf("wrote %v and %v\n", privFile, pubFile)
	return nil
}

// newAdminTokenCommand creates the command that mints a bearer token
// for the management API.
func newAdminTokenCommand() *cobra.Command {
	var (
		keyFile string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "admintoken",
		Short: "Mint a management bearer token",
		Long: "Signs a token with the private key generated by " +
			"genkey. The token is printed to stdout and can be " +
			"passed to the other commands through --token or the " +
			"SWITCHGEAR_TOKEN environment variable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintToken(keyFile, subject, ttl)
		},
	}

	cmd.Flags().StringVar(
		&keyFile, "keyfile", "admin.pem",
		"PEM file holding the signing key",
	)
	cmd.Flags().StringVar(
		&subject, "subject", "admin", "subject claim of the token",
	)
	cmd.Flags().DurationVar(
		&ttl, "ttl", 24*time.Hour, "lifetime of the token",
	)

	return cmd
}

func mintToken(keyFile, subject string, ttl time.Duration) error {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	// The key file decides the signing algorithm. An EC key signs with
	// ES256, an Ed25519 key with EdDSA.
	var token string
	if ecKey, ecErr := jwt.ParseECPrivateKeyFromPEM(keyBytes); ecErr == nil {
		token, err = jwt.NewWithClaims(
			jwt.SigningMethodES256, claims,
		).SignedString(ecKey)
	} else if edKey, edErr := jwt.ParseEdPrivateKeyFromPEM(keyBytes); edErr == nil {
		token, err = jwt.NewWithClaims(
			jwt.SigningMethodEdDSA, claims,
		).SignedString(edKey)
	} else {
		return fmt.Errorf("unable to parse %v as EC or Ed25519 "+
			"private key", keyFile)
	}
	if err != nil {
		return fmt.Errorf("unable to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
