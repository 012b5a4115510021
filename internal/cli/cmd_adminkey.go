package cli

import (
	"fmt"
	"os"

	"github.com/keynest/keynest/internal/auth"
)

func runAdminKeyAdmin(args []string) int {
	if len(args) == 0 || args[0] != "create" {
		fmt.Fprintln(os.Stderr, "usage: keynest adminkey create")
		return 2
	}

	key, err := auth.GenerateAdminKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		return 1
	}
	hash, err := auth.HashAdminKey(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash key:", err)
		return 1
	}
	fmt.Println("admin_key:", key)
	fmt.Println("hash:", hash)
	fmt.Println()
	fmt.Println("Set KEYNEST_ADMIN_KEY_HASH to the hash and send the key in X-Admin-Key.")
	return 0
}
