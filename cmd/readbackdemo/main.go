// Command readbackdemo exercises the readback coordinator on the software
// backend: a render loop runs checkpoints while a caller requests and polls
// texture and buffer readbacks.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
