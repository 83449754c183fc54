package main

import (
	cmd "github.com/cozy-creator/caption-server/cmd/caption"
)

func main() {
	cmd.Execute()
}
