package main

import "github.com/ppiankov/guardiansms/internal/cli"

func main() {
	cli.Execute()
}
