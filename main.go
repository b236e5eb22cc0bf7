package main

import "github.com/relayproxy/relay/cmd"

func main() {
	cmd.Execute()
}
