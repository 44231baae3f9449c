// The main package for the dataimport executable.
package main

import (
	"github.com/JakeFAU/dataimport/cmd"
)

func main() {
	cmd.Execute()
}
