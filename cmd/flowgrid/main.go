package main

import (
	"github.com/flowgrid/flowgrid/cmd/flowgrid/cmd"
)

func main() {
	cmd.Execute()
}
