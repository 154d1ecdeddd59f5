package main

import "github.com/otamoon/portfolio/cmd/portfolio/cmd"

func main() {
	cmd.Execute()
}
