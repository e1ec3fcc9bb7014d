// Command keygen prints fresh secrets for the QR signing and encryption
// keys. Run it once per environment and store the output in the secret
// manager; the service refuses short keys in production.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	for _, name := range []string{"LOYALTY_QR_SECRET_KEY", "LOYALTY_QR_ENCRYPTION_KEY", "LOYALTY_JWT_SECRET"} {
		secret, err := newSecret(32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s=%s\n", name, secret)
	}
}

func newSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
