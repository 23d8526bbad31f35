package main

import (
	"os"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
