package main

import "github.com/clearmap/watchtower/cmd"

func main() {
	cmd.Execute()
}
