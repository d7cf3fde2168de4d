// Command e2eekeys is an operator CLI for the local identity and
// prekey material managed by a daemon instance: generating an
// identity, rotating the signed prekey, topping up the one-time
// prekey pool, and printing the identity fingerprint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/storage"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: e2eekeys <command>

commands:
  init         generate an identity if one does not already exist
  rotate       rotate the signed prekey
  topup        top up the one-time prekey pool if running low
  fingerprint  print the local identity's fingerprint
  status       print prekey pool counts and signed prekey age
`)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := storage.Open(cfg.StoragePath, cfg.MasterKeyPassphrase)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	keys := keymanager.New(store)

	switch flag.Arg(0) {
	case "init":
		if err := keys.Initialize(); err != nil {
			log.Fatalf("failed to initialize identity: %v", err)
		}
		fp, err := keys.Fingerprint()
		if err != nil {
			log.Fatalf("failed to read fingerprint: %v", err)
		}
		fmt.Printf("identity ready, fingerprint: %s\n", fp)

	case "rotate":
		if err := keys.RotateSignedPrekey(); err != nil {
			log.Fatalf("failed to rotate signed prekey: %v", err)
		}
		fmt.Println("signed prekey rotated")

	case "topup":
		if err := keys.TopUpOneTimePrekeys(); err != nil {
			log.Fatalf("failed to top up one-time prekeys: %v", err)
		}
		count, err := store.CountOneTimePrekeys()
		if err != nil {
			log.Fatalf("failed to count one-time prekeys: %v", err)
		}
		fmt.Printf("one-time prekey pool now holds %d keys\n", count)

	case "fingerprint":
		fp, err := keys.Fingerprint()
		if err != nil {
			log.Fatalf("failed to read fingerprint: %v", err)
		}
		fmt.Println(fp)

	case "status":
		count, err := store.CountOneTimePrekeys()
		if err != nil {
			log.Fatalf("failed to count one-time prekeys: %v", err)
		}
		spk, exists, err := store.LoadSignedPrekey()
		if err != nil {
			log.Fatalf("failed to load signed prekey: %v", err)
		}
		if !exists {
			fmt.Printf("one-time prekeys: %d\nsigned prekey: none\n", count)
			return
		}
		fmt.Printf("one-time prekeys: %d\nsigned prekey id: %d\nsigned prekey created at: %s\n",
			count, spk.KeyID, spk.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	default:
		usage()
		os.Exit(2)
	}
}
