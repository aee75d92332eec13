package main

import (
	"log"
	"os"

	"example.com/backstage/services/ingest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
