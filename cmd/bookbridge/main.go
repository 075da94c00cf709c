// bookbridge keeps reading positions in sync across an audiobook server,
// ereader sync endpoints and reading trackers, bridging audio timestamps
// and ebook text positions through a transcription-based alignment map.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bookbridge/bookbridge/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "bookbridge",
		Usage:   "Sync reading progress across audiobook and ebook services",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync service (admin API, KoSync endpoint, schedulers)",
				Action: runServe,
			},
			{
				Name:  "sync",
				Usage: "Run one sync cycle and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "book",
						Usage: "Sync only this book id (default: every active mapping)",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Bypass delta gates and the regression guard",
					},
				},
				Action: runSyncOnce,
			},
			{
				Name:  "clear-progress",
				Usage: "Reset every stored position for a book",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "book",
						Usage:    "Book id to clear",
						Required: true,
					},
				},
				Action: runClearProgress,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}
