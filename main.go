package main

import "github.com/amlcodes/blurberry/cmd"

var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
