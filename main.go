package main

import "github.com/nextlevelbuilder/chatsupervisor/cmd"

func main() {
	cmd.Execute()
}
