package main

import "github.com/nfrund/chatrelay/cmd/chatrelay/cmd"

func main() {
	cmd.Execute()
}
