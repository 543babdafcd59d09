// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package e2e provides end-to-end testing utilities for the obo-exchange binary.
package e2e

import (
	"context"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Standard practice for Ginkgo
	. "github.com/onsi/gomega"    //nolint:staticcheck // Standard practice for Gomega
)

// TestConfig holds configuration for e2e tests
type TestConfig struct {
	Binary      string
	TestTimeout time.Duration
}

// NewTestConfig creates a new test configuration with defaults
func NewTestConfig() *TestConfig {
	binary := os.Getenv("OBO_BINARY")
	if binary == "" {
		binary = "obo-exchange" // Assume it's in PATH
	}

	return &TestConfig{
		Binary:      binary,
		TestTimeout: 2 * time.Minute,
	}
}

// Command represents an obo-exchange CLI command execution
type Command struct {
	config *TestConfig
	args   []string
	env    []string
	stdin  string
}

// NewCommand creates a new obo-exchange command
func NewCommand(config *TestConfig, args ...string) *Command {
	return &Command{
		config: config,
		args:   args,
		env:    os.Environ(),
	}
}

// WithEnv adds environment variables to the command
func (c *Command) WithEnv(env ...string) *Command {
	c.env = append(c.env, env...)
	return c
}

// WithStdin sets the stdin input for the command
func (c *Command) WithStdin(stdin string) *Command {
	c.stdin = stdin
	return c
}

// Run executes the command and returns stdout, stderr, and error
func (c *Command) Run() (string, string, error) {
	return c.RunWithTimeout(c.config.TestTimeout)
}

// RunWithTimeout executes the command with a specific timeout
func (c *Command) RunWithTimeout(timeout time.Duration) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.config.Binary, c.args...) //nolint:gosec // Intentional for e2e testing
	cmd.Env = c.env
	if c.stdin != "" {
		cmd.Stdin = strings.NewReader(c.stdin)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

// ExpectSuccess runs the command and expects it to succeed
func (c *Command) ExpectSuccess() (string, string) {
	stdout, stderr, err := c.Run()
	if err != nil {
		GinkgoWriter.Printf("Command failed: %s %v\nError: %v\nStdout: %s\nStderr: %s\n",
			c.config.Binary, c.args, err, stdout, stderr)
	}
	ExpectWithOffset(1, err).ToNot(HaveOccurred(),
		fmt.Sprintf("Command failed: %v\nStdout: %s\nStderr: %s", err, stdout, stderr))
	return stdout, stderr
}

// ExpectFailure runs the command and expects it to fail
func (c *Command) ExpectFailure() (string, string, error) {
	stdout, stderr, err := c.Run()
	ExpectWithOffset(1, err).To(HaveOccurred(),
		fmt.Sprintf("Command should have failed but succeeded\nStdout: %s\nStderr: %s", stdout, stderr))
	return stdout, stderr, err
}

// CheckBinaryAvailable checks that the obo-exchange binary can be executed
func CheckBinaryAvailable(config *TestConfig) error {
	stdout, stderr, err := NewCommand(config, "--help").Run()
	if err != nil {
		return fmt.Errorf(
			"obo-exchange binary not available at %s: %w\nstdout: %s\nstderr: %s\n",
			config.Binary,
			err,
			stdout,
			stderr,
		)
	}
	return nil
}

// StartLongRunningCommand starts a long-running command and returns the process
func StartLongRunningCommand(config *TestConfig, args ...string) *exec.Cmd {
	cmd := exec.Command(config.Binary, args...) //nolint:gosec // Intentional for e2e testing
	cmd.Env = os.Environ()

	// Capture stdout and stderr for debugging
	cmd.Stdout = GinkgoWriter
	cmd.Stderr = GinkgoWriter

	err := cmd.Start()
	ExpectWithOffset(1, err).ToNot(HaveOccurred(),
		fmt.Sprintf("Failed to start long-running command: %s %v", config.Binary, args))

	return cmd
}

// StopCommand interrupts a long-running command and waits for it to exit.
func StopCommand(cmd *exec.Cmd, timeout time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
	}
}

// FreeAddress returns a loopback address with a currently unused port.
func FreeAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// WaitForHealthy polls the health endpoint at baseURL until it answers 204.
func WaitForHealthy(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusNoContent {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not become healthy within %s", baseURL, timeout)
}

// HTTPGet fetches url and returns the body of a 200 response.
func HTTPGet(url string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s returned %d: %s", url, resp.StatusCode, body)
	}
	return string(body), nil
}

// WriteCABundle writes the certificate of a TLS test server as a PEM bundle
// in dir and returns its path.
func WriteCABundle(server *httptest.Server, dir string) (string, error) {
	cert := server.Certificate()
	if cert == nil {
		return "", fmt.Errorf("server has no TLS certificate")
	}
	path := filepath.Join(dir, "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write CA bundle: %w", err)
	}
	return path, nil
}
