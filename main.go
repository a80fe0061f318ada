package main

import "comfytask/cmd"

func main() {
	cmd.Run()
}
