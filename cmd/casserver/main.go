package main

import "github.com/jrsteele09/go-cas-server/cmd/casserver/cmd"

func main() {
	cmd.Execute()
}
