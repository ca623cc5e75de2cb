package main

import "github.com/marketflux/fanout/cmd/fanout/cmd"

func main() {
	cmd.Execute()
}
