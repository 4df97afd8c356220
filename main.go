/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "binsys/cmd"

func main() {
	cmd.Execute()
}
