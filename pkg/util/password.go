// Package util holds small operator-facing helpers shared by the admin
// commands.
package util

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// minPasswordLen matches the minimum the HTTP setup endpoint enforces.
const minPasswordLen = 8

// PromptPassword reads a password from the terminal with echo disabled.
func PromptPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("interactive password prompting requires a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// PromptPasswordWithConfirmation prompts twice and requires both entries to
// match.
func PromptPasswordWithConfirmation(prompt string) (string, error) {
	password, err := PromptPassword(prompt + ": ")
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(password)) < minPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	confirm, err := PromptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}
