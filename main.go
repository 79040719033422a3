package main

import (
	"crop-price-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
