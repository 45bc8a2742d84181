package main

import "github.com/nextlevelbuilder/nanoclaw/cmd"

func main() {
	cmd.Execute()
}
