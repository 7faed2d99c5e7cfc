package main

import "github.com/nab138/isideload/cmd/isideload/cmd"

func main() {
	cmd.Execute()
}
