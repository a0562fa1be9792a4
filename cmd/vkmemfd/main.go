// Command vkmemfd renders into a shared memfd heap from a second process.
//
// Run without arguments it is the controller: it creates the heap, starts
// itself again as the renderer and presents what the renderer draws.
//
//	vkmemfd [udmabuf|memfd] [coherent|incoherent]
package main

import (
	"os"

	"github.com/srediag/vkmemfd/pkg/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
