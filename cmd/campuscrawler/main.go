// Package main is the campuscrawler executable.
package main

import "github.com/campusarchive/crawler/cmd"

func main() {
	cmd.Execute()
}
