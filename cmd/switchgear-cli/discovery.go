package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newDiscoveryCommand creates the command group that manages the
// backend registry through the management API.
func newDiscoveryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Manage the backend registry",
	}

	cmd.AddCommand(
		newDiscoveryListCommand(),
		newDiscoveryGetCommand(),
		newDiscoveryAddCommand(),
		newDiscoveryPatchCommand(),
		newDiscoveryRemoveCommand(),
	)

	return cmd
}

func newDiscoveryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return request(http.MethodGet, "/discovery", nil)
		},
	}
}

// backendPath builds the management API path for a backend address
// given as "<variant>/<encoded>".
func backendPath(arg string) (string, error) {
	variant, _, found := strings.Cut(arg, "/")
	if !found || (variant != "pk" && variant != "url") {
		return "", fmt.Errorf("address must be of the form "+
			"pk/<hex> or url/<base64>, got %v", arg)
	}
	return "/discovery/" + arg, nil
}

func newDiscoveryGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <variant>/<encoded>",
		Short: "Show a single backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := backendPath(args[0])
			if err != nil {
				return err
			}
			return request(http.MethodGet, path, nil)
		},
	}
}

// readDocument reads a JSON document from the given file, with "-"
// meaning stdin.
func readDocument(file string) (io.Reader, error) {
	if file == "-" {
		return os.Stdin, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func newDiscoveryAddCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new backend",
		Long: "Registers the backend described by the given JSON " +
			"document. The document carries the backend's " +
			"address, partitions, weight and node connection " +
			"settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readDocument(file)
			if err != nil {
				return err
			}
			return request(http.MethodPost, "/discovery", body)
		},
	}

	cmd.Flags().StringVar(
		&file, "file", "-", "JSON document to send, - for stdin",
	)

	return cmd
}

func newDiscoveryPatchCommand() *cobra.Command {
	var (
		file    string
		enable  bool
		disable bool
	)

	cmd := &cobra.Command{
		Use:   "patch <variant>/<encoded>",
		Short: "Partially update a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := backendPath(args[0])
			if err != nil {
				return err
			}

			var body io.Reader
			switch {
			case enable && disable:
				return fmt.Errorf("--enable and --disable " +
					"are mutually exclusive")

			case enable:
				body = strings.NewReader(`{"enabled": true}`)

			case disable:
				body = strings.NewReader(`{"enabled": false}`)

			default:
				body, err = readDocument(file)
				if err != nil {
					return err
				}
			}

			return request(http.MethodPatch, path, body)
		},
	}

	cmd.Flags().StringVar(
		&file, "file", "-", "JSON document to send, - for stdin",
	)
	cmd.Flags().BoolVar(
		&enable, "enable", false, "only flip the backend to enabled",
	)
	cmd.Flags().BoolVar(
		&disable, "disable", false, "only flip the backend to disabled",
	)

	return cmd
}

func newDiscoveryRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <variant>/<encoded>",
		Short: "Remove a backend from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := backendPath(args[0])
			if err != nil {
				return err
			}
			return request(http.MethodDelete, path, nil)
		},
	}
}
