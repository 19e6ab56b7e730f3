package main

import "vuramp/cmd"

func main() {
	cmd.Execute()
}
