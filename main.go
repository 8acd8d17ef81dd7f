package main

import "github.com/nextlevelbuilder/sshgateway/cmd"

func main() {
	cmd.Execute()
}
