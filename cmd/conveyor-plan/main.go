package main

import "github.com/oshokin/package-conveyor/cmd/conveyor-plan/cmd"

func main() {
	cmd.Execute()
}
