package main

import (
	"os"

	chatwirecmder "github.com/papercomputeco/chatwire/cmd/chatwire"
)

func main() {
	cmd := chatwirecmder.NewChatwireCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
