package main

import "github.com/NxtGenIT/nxtfireguard-traffic-guard/cmd/traffic-guard/commands"

func main() {
	commands.Execute()
}
