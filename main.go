package main

import (
	"log"

	"github.com/govpmem/govpmem/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
