// Command aegisgate runs the identity and access security engine.
package main

import "github.com/aegisgate/aegisgate/cmd/aegisgate/cmd"

func main() {
	cmd.Execute()
}
