// Command sqlbench generates SQL from prompts and scores it against references locally.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
