// Command access_token mints a delegated access token for one user with the
// service account key, for checking domain-wide delegation by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/googleapps-message-recall/internal/credentials"
)

func main() {
	keyFile := flag.String("key", os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"), "service account key file")
	user := flag.String("user", "", "email address to impersonate")
	flag.Parse()

	if *keyFile == "" || *user == "" {
		log.Fatal("Please pass -key (or set GOOGLE_SERVICE_ACCOUNT_FILE) and -user")
	}

	minter, err := credentials.NewServiceAccountMinter(*keyFile, credentials.DefaultScopes...)
	if err != nil {
		log.Fatalf("Unable to load service account: %v", err)
	}

	tok, err := minter.Mint(context.Background(), *user)
	if err != nil {
		log.Fatalf("Unable to mint token for %s: %v", *user, err)
	}

	fmt.Printf("Access Token: %s\n", tok.AccessToken)
	fmt.Printf("Token Type: %s\n", tok.TokenType)
	fmt.Printf("Expiry: %v\n", tok.Expiry)
}
