// Command crawld runs the distributed polite web crawler's worker
// process: one instance binds a fixed crawler/cache identity and drives
// its share of the shared queue until stopped.
package main

import (
	"context"
	"log"
	"os"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cmd := newCommand()

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running crawld: %s", err)

		return 1
	}

	return 0
}
