package main

import "github.com/gregLibert/calypso-terminal/cmd"

func main() {
	cmd.Execute()
}
