// Command keygen creates a new API key and prints the SQL to register it.
// Only the bcrypt hash ever reaches the database; the raw key is shown
// once and must be handed to the caller.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

const (
	keyBytes        = 24
	keyPrefixLength = 8
)

func main() {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		log.Fatalf("failed to generate key material: %v", err)
	}
	key := "vok_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash key: %v", err)
	}

	fmt.Printf("API key (give to caller, shown once):\n  %s\n\n", key)
	fmt.Printf("Register it with:\n")
	fmt.Printf("  INSERT INTO api_keys (key_prefix, key_hash, active) VALUES ('%s', '%s', true);\n",
		key[:keyPrefixLength], string(hash))
}
