package main

import "github.com/hculap/openclaw-omg/cmd"

func main() {
	cmd.Execute()
}
