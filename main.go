package main

import "github.com/audiolibrelab/ringcap/cmd"

func main() {
	cmd.Execute()
}
