package main

import "github.com/athorsen/portcullis/internal/cli"

func main() {
	cli.Execute()
}
