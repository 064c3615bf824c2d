package main

import (
	"os"

	"github.com/lieyan666/FireProxy/pkg/app"
)

func main() {
	os.Exit(app.Run())
}
