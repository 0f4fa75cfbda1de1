package main

import "copymesh/cmd"

func main() {
	cmd.Execute()
}
