// Command cmpclient is component M: a cobra CLI wrapping pkg/cmpclient (L)
// for interactive and scripted use.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if err != errSilent {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
