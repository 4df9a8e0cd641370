package main

import "github.com/vietddude/retrier/internal/cli"

func main() {
	cli.Execute()
}
