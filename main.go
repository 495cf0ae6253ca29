/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package main

import "github.com/krobus00/halal-trading-service/cmd"

func main() {
	cmd.Execute()
}
