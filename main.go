package main

import (
	"os"

	"github.com/xiaot623/gogo/sessionsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
