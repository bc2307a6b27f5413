package main

import "github.com/sandarb-ai/sandarb/internal/cli"

func main() {
	cli.Execute()
}
