package main

import (
	"github.com/mensi/githttpd/cmd"
)

func main() {
	cmd.Execute()
}
