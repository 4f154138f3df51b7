package main

import (
	"log"
	"net/http"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	protectorhttp "github.com/watchtower-guard/slashing-protector/http"
	"github.com/watchtower-guard/slashing-protector/protector"
	"github.com/watchtower-guard/slashing-protector/store"
)

var CLI struct {
	DbPath string `env:"DB_PATH" description:"Path to the SQLite database file" default:"/slashing-protector-data/db.sqlite"`
	Addr   string `env:"ADDR" description:"Address to listen on" default:":9369"`
}

func main() {
	kong.Parse(&CLI)

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	// Display the configuration. Don't expose sensitive attributes!
	logger.Debug("Starting slashing-protector",
		zap.String("db_path", CLI.DbPath),
		zap.String("addr", CLI.Addr),
	)

	s, err := store.New(CLI.DbPath)
	if err != nil {
		logger.Fatal("store.New", zap.Error(err))
	}
	defer s.Close()

	prtc, err := protector.New(logger, s)
	if err != nil {
		logger.Fatal("protector.New", zap.Error(err))
	}

	srv := protectorhttp.NewServer(logger, prtc)
	err = http.ListenAndServe(CLI.Addr, srv)
	logger.Fatal("ListenAndServe", zap.Error(err))
}
