// Command switchgear-cli is the management companion of the gateway:
// it generates the management key pair, mints bearer tokens and talks
// to the management API.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// rpcServer is the base URL of the management API.
	rpcServer string

	// authToken is the bearer token sent with every request.
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchgear-cli",
		Short: "Management CLI of the switchgear gateway",
	}

	rootCmd.PersistentFlags().StringVar(
		&rpcServer, "rpcserver", "http://localhost:8082",
		"base URL of the management API",
	)
	rootCmd.PersistentFlags().StringVar(
		&authToken, "token", os.Getenv("SWITCHGEAR_TOKEN"),
		"management bearer token",
	)

	rootCmd.AddCommand(
		newGenKeyCommand(),
		newAdminTokenCommand(),
		newDiscoveryCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// request performs one management API call and prints the response
// body, if any.
func request(method, path string, body io.Reader) error {
	url := strings.TrimSuffix(rpcServer, "/") + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%v: %v", resp.Status,
			strings.TrimSpace(string(payload)))
	}

	if location := resp.Header.Get("Location"); location != "" {
		fmt.Println(location)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		fmt.Fprintf(os.Stderr, "etag: %v\n", etag)
	}
	if len(payload) > 0 {
		fmt.Println(strings.TrimSpace(string(payload)))
	}

	return nil
}
