package main

import (
	"fmt"
	"os"

	"knightdag/cmd/knightdag/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
