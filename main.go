package main

import "github.com/conclave-chat/conclave/cmd"

func main() {
	cmd.Execute()
}
