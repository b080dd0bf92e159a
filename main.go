package main

import "github.com/forked/forked/cmd"

func main() {
	cmd.Execute()
}
