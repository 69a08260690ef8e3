package main

import "Prerelease/cmd"

func main() {
	cmd.Execute()
}
