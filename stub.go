package main

import "github.com/AbleOS/sovos/kernel/kmain"

var bootParams *kmain.BootParams

// main makes a dummy call to the actual boot entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real boot code.
//
// A global variable is passed as an argument to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(bootParams)
}
