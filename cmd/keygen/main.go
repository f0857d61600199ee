package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
)

var envName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <environment>")
		fmt.Println("Generates a random API key for the environment and prints the gateway.yaml entry")
		os.Exit(1)
	}

	env := os.Args[1]
	if !envName.MatchString(env) {
		fmt.Fprintf(os.Stderr, "invalid environment name %q\n", env)
		os.Exit(1)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	apiKey := env + "-" + hex.EncodeToString(buf)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Println("\nAdd this to your gateway.yaml:")
	fmt.Printf("  credentials:\n")
	fmt.Printf("    %s: \"%s\"\n", env, apiKey)
	fmt.Println("\nor set it in the environment:")
	fmt.Printf("  GATEWAY_CREDENTIALS__%s=%s\n", env, apiKey)
}
