package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/knowbot/internal/knowbot"
)

func main() {
	knowbot.NewApp().Run()
}
