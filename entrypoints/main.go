package main

import (
	"github.com/Laisky/img-searcher/cmd"
)

func main() {
	cmd.Execute()
}
