// Package main is the archiver executable.
package main

import "github.com/JakeFAU/listing-archiver/cmd"

func main() {
	cmd.Execute()
}
