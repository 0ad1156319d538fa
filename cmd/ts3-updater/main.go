package main

import "github.com/oshokin/ts3-updater/cmd/ts3-updater/cmd"

func main() {
	cmd.Execute()
}
