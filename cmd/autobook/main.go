package main

import "github.com/example/venue-autobook/cmd"

func main() {
	cmd.Execute()
}
