// Package cmd contains testing utilities shared between command tests.
// This file provides common functions for setting up a workspace, running
// commands and capturing their output.
package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"
)

// setupTestWorkspace changes into a fresh temporary directory and resets
// command state. Passphrases are "pw-" plus the principal id in the prompt.
func setupTestWorkspace(t *testing.T) string {
	t.Helper()

	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("Failed to change to temp directory: %v", err)
	}

	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("Failed to change to original directory: %v", err)
		}
		ResetGlobalState()
	})
	return tempDir
}

// promptSecrets answers passphrase prompts from the principal id they name.
func promptSecrets(prompt string) ([]byte, error) {
	// "Passphrase for alice: " or "New passphrase for alice: "
	i := strings.LastIndex(prompt, " for ")
	if i < 0 {
		return nil, fmt.Errorf("unexpected prompt %q", prompt)
	}
	id := strings.TrimSuffix(prompt[i+len(" for "):], ": ")
	return []byte("pw-" + id), nil
}

// runCommand executes the root command with args and returns its output.
func runCommand(args ...string) (string, error) {
	ResetGlobalState()
	SetSecretReader(promptSecrets)
	RootCmd.SetArgs(args)
	return captureOutput(RootCmd.Execute)
}

// captureOutput captures both stdout and stderr during function execution.
func captureOutput(fn func() error) (string, error) {
	originalStdout := os.Stdout
	originalStderr := os.Stderr

	stdoutReader, stdoutWriter, _ := os.Pipe()
	stderrReader, stderrWriter, _ := os.Pipe()

	os.Stdout = stdoutWriter
	os.Stderr = stderrWriter

	stdoutChan := make(chan string, 1)
	stderrChan := make(chan string, 1)

	go func() {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, stdoutReader); err != nil {
			log.Fatalf("Failed to run copy command: %s", err)
		}
		stdoutChan <- buf.String()
	}()

	go func() {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, stderrReader); err != nil {
			log.Fatalf("Failed to run copy command: %s", err)
		}
		stderrChan <- buf.String()
	}()

	err := fn()

	stdoutWriter.Close()
	stderrWriter.Close()
	os.Stdout = originalStdout
	os.Stderr = originalStderr

	return <-stdoutChan + <-stderrChan, err
}

// withStdin replaces os.Stdin with a pipe carrying data until the test ends.
func withStdin(t *testing.T, data string) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create stdin pipe: %v", err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatalf("Failed to write stdin: %v", err)
	}
	w.Close()

	original := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = original
		r.Close()
	})
}
