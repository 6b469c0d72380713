// Command migrate manages the PostgreSQL schema outside of pairsvc startup.
//
//	migrate [-config path] up|down|version|steps N
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/database"
	"github.com/whisper/pairchat/internal/database/migrate"
	"github.com/whisper/pairchat/internal/logging"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up|down|version|steps N\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", os.Getenv("PAIRCHAT_CONFIG"), "path to YAML config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("info", false)
		l := logging.Component("migrate")
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.Component("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = migrate.Run(db)
	case "down":
		err = migrate.Down(db)
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrate.Version(db)
		if err == nil {
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
		}
	case "steps":
		var n int
		n, err = strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatal().Str("arg", flag.Arg(1)).Msg("steps needs an integer")
		}
		err = migrate.Steps(db, n)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}
