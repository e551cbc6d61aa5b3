package main

import "github.com/dawei-ai/dawei/cmd"

func main() {
	cmd.Execute()
}
