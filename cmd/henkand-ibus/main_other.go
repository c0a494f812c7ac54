//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "henkand-ibus requires IBus and runs on linux only")
	os.Exit(1)
}
