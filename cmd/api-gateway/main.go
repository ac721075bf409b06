package main

import "github.com/ramiqadoumi/go-task-submit/services/api-gateway/cli"

func main() {
	cli.Execute()
}
