package main

import (
	"log"

	"github.com/boypt/wire-torrent/server"
	"github.com/jpillora/opts"
)

var VERSION = "0.0.0-src" //set with ldflags

func main() {
	s := server.Server{
		Title:      "Wire Torrent",
		Port:       3000,
		ConfigPath: "wire-torrent.yaml",
	}

	opts.New(&s).
		Name("wire-torrent").
		Version(VERSION).
		Repo("github.com/boypt/wire-torrent").
		Parse()

	if err := s.Run(VERSION); err != nil {
		log.Fatal(err)
	}
}
