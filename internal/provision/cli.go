package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CLI creates keys by running an external command (outline-cli createKey
// <url>) that prints a JSON object with an accessUrl field.
type CLI struct {
	Bin  string
	Args []string
}

// NewOutlineCLI returns a CLI provisioner for outline-cli.
func NewOutlineCLI(bin, apiURL string) *CLI {
	if bin == "" {
		bin = "outline-cli"
	}
	return &CLI{Bin: bin, Args: []string{"createKey", apiURL}}
}

// CreateKey runs the command and parses its output.
func (c *CLI) CreateKey(ctx context.Context) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Bin, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s: %w: %s", ErrProvision, c.Bin, err, strings.TrimSpace(stderr.String()))
	}

	var key accessKey
	if err := json.Unmarshal(stdout.Bytes(), &key); err != nil {
		return "", fmt.Errorf("%w: decode %s output: %w", ErrProvision, c.Bin, err)
	}
	if strings.TrimSpace(key.AccessURL) == "" {
		return "", fmt.Errorf("%w: empty accessUrl", ErrProvision)
	}
	return key.AccessURL, nil
}
