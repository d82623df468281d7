package main

import "callhound/cmd"

func main() {
	cmd.Execute()
}
