package main

import "github.com/not-amarnath/final-year-project/cmd"

func main() {
	cmd.Execute()
}
