// The main package for the crawlgate executable.
package main

import (
	"github.com/JakeFAU/crawlgate/cmd"
)

func main() {
	cmd.Execute()
}
