// Command xtesthost is a test host process: it replays a test manifest on the
// bus and streams the results to a connected client over JSON-RPC.
package main

import "os"

// Version information, set during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	setVersionInfo(version, commit)
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
