package main

import "github.com/bryanchriswhite/ClarityLayer/cmd/clarity/commands"

func main() {
	commands.Execute()
}
