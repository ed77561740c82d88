package main

import (
	"github.com/querynest/querynest/cmd"
)

func main() {
	cmd.Execute()
}
