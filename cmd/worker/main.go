package main

import "github.com/ramiqadoumi/go-task-submit/services/worker/cli"

func main() {
	cli.Execute()
}
