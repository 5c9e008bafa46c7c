package main

import "github.com/amine-amaach/uasc/internal/cli"

func main() {
	cli.Run()
}
