// Package main provides a one-shot utility for join-grant key generation.
//
// It emits the asymmetric keypair the relay verifies signed room grants
// with.
package main

import (
	"os"

	"github.com/louisbranch/rewind/internal/platform/config"
	"github.com/louisbranch/rewind/internal/tools/grantkey"
)

func main() {
	if err := grantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate join grant key: %v", err)
	}
}
