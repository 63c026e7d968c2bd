package main

import (
	"github.com/hwgrade/hwgrade/cmd"
)

func main() {
	cmd.Execute()
}
