package main

import "github.com/oshokin/package-conveyor/cmd/conveyor/cmd"

func main() {
	cmd.Execute()
}
