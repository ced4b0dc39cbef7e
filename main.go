package main

import (
	"embed"
	"log"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/logger"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	app := NewApp()

	err := wails.Run(&options.App{
		Title:     "Protodesk",
		Width:     1024,
		Height:    800,
		MinWidth:  1024,
		MinHeight: 300,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		LogLevel:   logger.INFO,
		OnStartup:  app.startup,
		OnDomReady: app.domReady,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app.ProjectBinding,
			app.RequestBinding,
			app.StreamBinding,
		},
		Mac: &mac.Options{
			About: &mac.AboutInfo{
				Title:   "Protodesk",
				Message: "Desktop client for gRPC services and streaming resources.",
			},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
}
