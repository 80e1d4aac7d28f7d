// provision creates a user with an explicit role. It is the only way to
// create privileged and admin accounts, including the first admin.
//
// The password is read from PROVISION_PASSWORD, or from the first line of
// stdin when that is unset, so it never appears in the process list.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/viralforge/devicetrust/internal/app/bootstrap"
	"github.com/viralforge/devicetrust/internal/application"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("provision", pflag.ContinueOnError)
	configPath := flagSet.String("config", "configs/default.yaml", "path to the YAML config file")
	username := flagSet.String("username", "", "username to create")
	role := flagSet.String("role", "admin", "role: standard, privileged or admin")
	fingerprint := flagSet.String("fingerprint", "", "device fingerprint to pre-approve for this user")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	ctx := context.Background()
	runtime, err := bootstrap.NewRuntime(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("bootstrap runtime: %w", err)
	}
	defer runtime.Close()

	user, err := runtime.Service().Provision(ctx, application.ProvisionRequest{
		Username:    *username,
		Password:    password,
		Role:        *role,
		Fingerprint: *fingerprint,
	})
	if err != nil {
		return fmt.Errorf("provision user: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}

func readPassword() (string, error) {
	if pw := os.Getenv("PROVISION_PASSWORD"); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password from stdin: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}
