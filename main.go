package main

import "areacam/cmd"

func main() {
	cmd.Execute()
}
