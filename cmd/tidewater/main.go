package main

import (
	"fmt"
	"os"

	"tidewater/internal/cli"

	_ "tidewater/sink/cb"
	_ "tidewater/sink/kafka"
	_ "tidewater/sink/postgres"
	_ "tidewater/sink/redis"
	_ "tidewater/sink/stdout"
	_ "tidewater/source/cb"
	_ "tidewater/source/kafka"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
