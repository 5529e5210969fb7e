package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/whisper/dm/cmd/whisperdm/commands"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
