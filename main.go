/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "ollama-acp/cmd"

func main() {
	cmd.Execute()
}
