// lp-gatewayctl is the operator CLI for lp-gatewayd: it validates
// configuration files and manages handshake identity material.
package main

import "github.com/nymgate/lp-gateway/cmd/lp-gatewayctl/commands"

func main() {
	commands.Execute()
}
