package main

import (
	"github.com/Raimguzhinov/davstore/internal/app"
	"github.com/Raimguzhinov/davstore/internal/config"
)

func main() {
	cfg := config.MustLoad()

	app.Run(cfg)
}
