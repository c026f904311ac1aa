package main

import "tcp-engine/cmd/vhost/commands"

func main() {
	commands.Execute()
}
