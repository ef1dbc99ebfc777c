// Package main implements the standalone mock agent binary. It speaks
// line-delimited ACP JSON-RPC over stdin/stdout, mirroring the built-in
// in-process mock, so the gateway can exercise the full subprocess path
// without a real agent installed.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	agent := newAgent(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: skipping invalid line: %v\n", err)
			continue
		}
		agent.handle(msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
	agent.wait()
}
