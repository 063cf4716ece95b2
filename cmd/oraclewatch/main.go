package main

import (
	"github.com/imokokok/Insight-beta-sub000/internal/cli"
)

func main() {
	cli.Execute()
}
