package main

import "github.com/nextlevelbuilder/convoflow/cmd"

func main() {
	cmd.Execute()
}
