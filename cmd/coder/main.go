// Command coder runs the coding assistant engine, its session store, and
// the attach daemon.
package main

func main() {
	Execute()
}
