package main

import "rentchat/internal/cli"

func main() {
	cli.Execute()
}
