package main

import "discord-archiver/command"

func main() {
	command.Execute()
}
