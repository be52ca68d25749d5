package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := newRoot().Command()

	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}
	switch err := err.(type) {
	case usageError:
		cmd.Println("")
		cmd.Println(cmd.UsageString())
		os.Exit(1)
	case exitError:
		if err.msg != "" {
			fmt.Fprintln(os.Stderr, err.msg)
		}
		os.Exit(err.code)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
