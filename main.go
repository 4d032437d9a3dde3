package main

import "github.com/parableapp/parable-ingest/cmd"

var execute = cmd.Execute

func main() {
	execute()
}
