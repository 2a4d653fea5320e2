package main

import "github.com/Norgate-AV/blockbridge/cmd"

func main() {
	cmd.Execute()
}
