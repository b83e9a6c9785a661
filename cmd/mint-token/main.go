package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/logger"
	"github.com/stemsi/exstem-candidate/internal/service"
	"golang.org/x/term"
)

// Prompts go to stderr so the token is the only thing on stdout:
//
//	CANDIDATE_TOKEN=$(go run ./cmd/mint-token)
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) string {
		fmt.Fprint(os.Stderr, label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	fmt.Fprintln(os.Stderr, "=== Mint Rehearsal Token ===")

	// Role
	role := service.Role(prompt("Enter Role [candidate/observer] (default candidate): "))
	if role == "" {
		role = service.RoleCandidate
	}
	if !role.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", role)
		os.Exit(1)
	}

	// Subject
	subject := prompt("Enter ID (default random): ")
	if subject == "" {
		subject = uuid.NewString()
	}

	// Name
	name := prompt("Enter Name: ")
	if name == "" {
		fmt.Fprintln(os.Stderr, "Error: Name is required")
		os.Exit(1)
	}

	// Picture
	picture := prompt("Enter Picture URL (optional): ")

	// Secret
	secret := cfg.JWTSecret
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		fmt.Fprint(os.Stderr, "Enter JWT Secret (blank uses JWT_SECRET): ")
		raw, err := term.ReadPassword(stdin)
		fmt.Fprintln(os.Stderr) // Newline after secret input
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			os.Exit(1)
		}
		if s := strings.TrimSpace(string(raw)); s != "" {
			secret = s
		}
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(secret, cfg.JWTExpiry)
	token, err := authService.Mint(role, subject, name, picture)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to mint token")
	}

	fmt.Fprintf(os.Stderr, "\nSuccess! %s token for '%s' (%s), valid for %s\n", role, name, subject, cfg.JWTExpiry)
	fmt.Println(token)
}
