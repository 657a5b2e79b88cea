// Package main is the entrypoint for the OTP gateway. It issues one-time
// passwords over an SMS gateway and verifies them.
package main

import (
	"context"
	"fmt"
	"os"

	_ "time/tzdata" // otp.timezone resolves IANA names on hosts without zoneinfo
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
