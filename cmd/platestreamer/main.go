package main

import "github.com/bryanchriswhite/PlateStreamer/cmd/platestreamer/commands"

func main() {
	commands.Execute()
}
