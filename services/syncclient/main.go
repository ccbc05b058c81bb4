package main

import (
	"fmt"
	"os"
	"time"

	"github.com/convsync/internal/logger"
)

func main() {
	logger.SetPrefix("syncclient")
	err := rootCmd.Execute()
	logger.Flush(time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
