package main

import "github.com/arcward/inu/cmd"

func main() {
	cmd.Execute()
}
