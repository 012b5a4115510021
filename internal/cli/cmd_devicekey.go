package cli

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
)

func runDeviceKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: keynest devicekey add [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runDeviceKeyAdd(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown devicekey command:", args[0])
		return 2
	}
}

func runDeviceKeyAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("devicekey-add", flag.ContinueOnError)
	var dbPath, deviceID, publicKey string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&deviceID, "device", "", "device id")
	fs.StringVar(&publicKey, "public-key", "", "base64 ed25519 verification key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if deviceID == "" || publicKey == "" {
		fmt.Fprintln(os.Stderr, "missing --device or --public-key")
		return 2
	}
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		fmt.Fprintln(os.Stderr, "invalid --public-key: expected base64 ed25519 public key")
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.PutDeviceKey(ctx, deviceID, publicKey, "ed25519"); err != nil {
		fmt.Fprintln(os.Stderr, "register device key:", err)
		return 1
	}
	fmt.Println("registered:", deviceID)
	return 0
}
