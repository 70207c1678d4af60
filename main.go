package main

import "github.com/peerline/peerline/cmd"

func main() {
	cmd.Execute()
}
